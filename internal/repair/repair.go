// Package repair keeps the toolchain's build descriptor identifier in sync
// with the package directory that actually exists on disk.
package repair

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

const (
	// MarkerPattern locates the main activity; its second path segment after com/ is the on-disk id.
	MarkerPattern = "app/src/main/java/com/*/webtoapk/MainActivity.java"
	// DescriptorFile is the gradle file whose namespace/applicationId must match the marker.
	DescriptorFile = "app/build.gradle"
)

// Placeholders left behind by a failed template substitution.
var corruptedPlaceholders = map[string]bool{
	"":      true,
	"${id}": true,
	"$id":   true,
	"{id}":  true,
}

var identifierToken = regexp.MustCompile(`com\.([^.\s'"]*)\.webtoapk`)

// Outcome describes what a repair pass did.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"  // marker or descriptor absent
	OutcomeInSync   Outcome = "in_sync"  // nothing to write
	OutcomeRepaired Outcome = "repaired" // descriptor rewritten
)

// Result reports a single repair pass.
type Result struct {
	Outcome  Outcome
	DiskID   string
	Declared []string // identifiers found in the descriptor before repair
	// Placeholder is true when at least one declared identifier was a corrupted placeholder.
	Placeholder bool
}

// Repairer performs structure repair on a toolchain tree.
type Repairer struct {
	logger *slog.Logger
}

// New creates a Repairer. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{logger: logger}
}

// Repair rewrites the descriptor identifier under root to match disk.
// A missing marker or descriptor is skipped; only I/O failures on an
// existing descriptor are returned.
func (r *Repairer) Repair(root string) (Result, error) {
	diskID, ok := r.diskIdentifier(root)
	if !ok {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	path := filepath.Join(root, filepath.FromSlash(DescriptorFile))
	info, err := os.Stat(path)
	if err != nil {
		r.logger.Debug("Build descriptor absent, skipping repair", logfields.Path(path))
		return Result{Outcome: OutcomeSkipped, DiskID: diskID}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Outcome: OutcomeSkipped, DiskID: diskID}, err
	}

	res := Result{DiskID: diskID}
	content := string(data)
	seen := map[string]bool{}
	for _, m := range identifierToken.FindAllStringSubmatch(content, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			res.Declared = append(res.Declared, id)
		}
		if corruptedPlaceholders[id] {
			res.Placeholder = true
		}
	}

	repaired := identifierToken.ReplaceAllStringFunc(content, func(token string) string {
		return "com." + diskID + ".webtoapk"
	})
	if repaired == content {
		res.Outcome = OutcomeInSync
		return res, nil
	}

	if err := os.WriteFile(path, []byte(repaired), info.Mode().Perm()); err != nil {
		return res, err
	}
	res.Outcome = OutcomeRepaired
	r.logger.Info("Repaired build descriptor identifier",
		logfields.Path(path),
		slog.String("disk_id", diskID),
		slog.Any("declared", res.Declared),
		slog.Bool("placeholder", res.Placeholder))
	return res, nil
}

func (r *Repairer) diskIdentifier(root string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(MarkerPattern)))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		r.logger.Warn("Multiple main activities found, using the first",
			slog.Any("candidates", matches))
	}
	// .../java/com/<id>/webtoapk/MainActivity.java
	id := filepath.Base(filepath.Dir(filepath.Dir(matches[0])))
	if corruptedPlaceholders[id] {
		return "", false
	}
	return id, true
}

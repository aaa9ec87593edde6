// Package patcher rewrites the toolchain's generated application source so it
// matches the requested app id, and applies fixed idempotent fixups to the
// main activity.
package patcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// SourceDir is the source root inside a toolchain tree.
const SourceDir = "app/src/main/java"

// MainSourceFile is the base name of the application's entry source.
const MainSourceFile = "MainActivity.java"

const (
	brokenInitializer = `LOCATION_PERMISSION_REQUEST_CODE = "";`
	fixedInitializer  = `LOCATION_PERMISSION_REQUEST_CODE = 1001;`

	settingsAnchor    = "WebSettings webSettings = webview.getSettings();"
	settingsSignature = "setAllowUniversalAccessFromFileURLs"
)

var settingsBlock = []string{
	"webSettings.setAllowFileAccess(true);",
	"webSettings.setAllowFileAccessFromFileURLs(true);",
	"webSettings.setAllowUniversalAccessFromFileURLs(true);",
}

var packageDecl = regexp.MustCompile(`(?m)^(\s*package\s+)com\.([^.;\s]*)\.webtoapk(\s*;)`)

// Report summarizes one patch pass.
type Report struct {
	FilesScanned int
	FilesChanged int
	Errors       []error
}

// Patcher applies source rewrites to a toolchain tree.
type Patcher struct {
	logger *slog.Logger
}

// New creates a Patcher. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{logger: logger}
}

// Patch walks the source tree under root and rewrites files for appID.
// Per-file failures are logged and collected; they never stop the pass.
func (p *Patcher) Patch(ctx context.Context, root, appID string) Report {
	var report Report
	srcRoot := filepath.Join(root, filepath.FromSlash(SourceDir))
	if _, err := os.Stat(srcRoot); err != nil {
		p.logger.Debug("Source tree not present, nothing to patch", logfields.Path(srcRoot))
		return report
	}

	walkErr := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			p.logger.Warn("Skipping unreadable path", logfields.Path(path), logfields.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isSource(d.Name()) {
			return nil
		}

		report.FilesScanned++
		changed, err := p.patchFile(path, appID, d.Name() == MainSourceFile)
		if err != nil {
			report.Errors = append(report.Errors, err)
			p.logger.Warn("Failed to patch source file", logfields.File(path), logfields.Error(err))
			return nil
		}
		if changed {
			report.FilesChanged++
			p.logger.Debug("Patched source file", logfields.File(path))
		}
		return nil
	})
	if walkErr != nil {
		report.Errors = append(report.Errors, walkErr)
	}
	return report
}

func (p *Patcher) patchFile(path, appID string, isMain bool) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	original := string(data)
	updated := RewritePackage(original, appID)
	if isMain {
		updated = FixMainActivity(updated)
	}
	if updated == original {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

// RewritePackage points every com.<x>.webtoapk package declaration at appID.
func RewritePackage(content, appID string) string {
	return packageDecl.ReplaceAllString(content, "${1}com."+escapeReplacement(appID)+".webtoapk${3}")
}

// FixMainActivity applies the initializer fix and the file-access settings
// injection. Both are guarded, so applying it twice changes nothing.
func FixMainActivity(content string) string {
	if strings.Contains(content, brokenInitializer) {
		content = strings.ReplaceAll(content, brokenInitializer, fixedInitializer)
	}
	if strings.Contains(content, settingsSignature) {
		return content
	}
	return injectAfterAnchor(content, settingsAnchor, settingsBlock)
}

func injectAfterAnchor(content, anchor string, block []string) string {
	idx := strings.Index(content, anchor)
	if idx < 0 {
		return content
	}
	lineStart := strings.LastIndex(content[:idx], "\n") + 1
	indent := leadingWhitespace(content[lineStart:idx])

	lineEnd := strings.Index(content[idx:], "\n")
	newline := "\n"
	if lineEnd < 0 {
		lineEnd = len(content)
	} else {
		lineEnd += idx
		if lineEnd > 0 && content[lineEnd-1] == '\r' {
			newline = "\r\n"
			lineEnd--
		}
	}

	var b strings.Builder
	b.WriteString(content[:lineEnd])
	for _, stmt := range block {
		b.WriteString(newline)
		b.WriteString(indent)
		b.WriteString(stmt)
	}
	b.WriteString(content[lineEnd:])
	return b.String()
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func isSource(name string) bool {
	return strings.HasSuffix(name, ".java") || strings.HasSuffix(name, ".kt")
}

func escapeReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

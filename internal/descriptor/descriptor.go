// Package descriptor renders the line-oriented key = value build descriptor
// consumed by the toolchain's apply_config action.
package descriptor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FileName is the descriptor's name inside a workspace.
const FileName = "webapk.conf"

// IconFile is the icon reference written to every descriptor.
const IconFile = "icon.png"

// KnownFlags lists the boolean feature keys the toolchain understands, in
// the order they are written.
var KnownFlags = []string{
	"allowSubdomains",
	"requireDoubleBackToExit",
	"enableExternalLinks",
	"openExternalLinksInBrowser",
	"confirmOpenInBrowser",
	"allowOpenMobileApp",
	"confirmOpenExternalApp",
	"geolocationEnabled",
	"blockLocalhostRequests",
	"showDetailsOnErrorScreen",
	"forceLandscapeMode",
	"edgeToEdge",
	"forceDarkTheme",
}

var knownFlagSet = func() map[string]bool {
	m := make(map[string]bool, len(KnownFlags))
	for _, k := range KnownFlags {
		m[k] = true
	}
	return m
}()

// IsKnownFlag reports whether key is a recognised feature flag.
func IsKnownFlag(key string) bool { return knownFlagSet[key] }

// Descriptor is the per-job configuration handed to the toolchain.
type Descriptor struct {
	ID      string
	Name    string
	MainURL string
	Icon    string
	Flags   map[string]bool
	// Extra keys are passed through uninterpreted.
	Extra map[string]string
}

// NormalizeName produces the display name written to the descriptor:
// NFC-normalized, with control characters and surrounding space removed.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// Encode renders the descriptor. Core keys come first, then known flags in
// their canonical order, then unknown flags and extras sorted by key.
func (d Descriptor) Encode() []byte {
	var b bytes.Buffer
	icon := d.Icon
	if icon == "" {
		icon = IconFile
	}
	writeLine(&b, "id", d.ID)
	writeLine(&b, "name", NormalizeName(d.Name))
	writeLine(&b, "mainURL", d.MainURL)
	writeLine(&b, "icon", icon)

	for _, k := range KnownFlags {
		if v, ok := d.Flags[k]; ok {
			writeLine(&b, k, strconv.FormatBool(v))
		}
	}
	for _, k := range sortedKeys(d.Flags) {
		if !knownFlagSet[k] {
			writeLine(&b, k, strconv.FormatBool(d.Flags[k]))
		}
	}
	for _, k := range sortedKeys(d.Extra) {
		if IsReserved(k) {
			continue
		}
		writeLine(&b, k, d.Extra[k])
	}
	return b.Bytes()
}

// Write stores the descriptor at path, replacing any previous file atomically.
func (d Descriptor) Write(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".webapk-*.conf")
	if err != nil {
		return fmt.Errorf("create descriptor: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(d.Encode()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod descriptor: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}

// Parse reads key = value lines. Blank lines and # comments are ignored;
// later keys override earlier ones.
func Parse(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNo)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, sc.Err()
}

func writeLine(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(" = ")
	b.WriteString(singleLine(value))
	b.WriteByte('\n')
}

// singleLine keeps a value from spilling onto a new descriptor line.
func singleLine(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(v))
}

// IsReserved reports whether key is a core key or a feature flag.
func IsReserved(key string) bool {
	switch key {
	case "id", "name", "mainURL", "icon":
		return true
	}
	return knownFlagSet[key]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

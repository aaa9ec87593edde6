package build

import (
	"maps"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/apkbuilder/internal/assets"
	"git.home.luguber.info/inful/apkbuilder/internal/descriptor"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// app ids become a Java package segment
var appIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

var extraKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// Request is everything a client supplies for one build.
type Request struct {
	AppID string
	Name  string
	Icon  []byte

	// Exactly one content source is used; a non-empty Bundle wins over URL.
	URL    string
	Bundle []byte

	// Flags override the configured descriptor feature defaults.
	Flags map[string]bool

	// Extra descriptor keys override the configured extras. Core keys and
	// feature flags cannot be set this way.
	Extra map[string]string
}

// Mode reports which content source the request will use.
func (r Request) Mode() assets.Mode {
	if len(r.Bundle) > 0 {
		return assets.ModeBundle
	}
	return assets.ModeRemote
}

// Validate checks required fields before any job state exists.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.AppID) == "" {
		missing = append(missing, "app_id")
	}
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if len(r.Icon) == 0 {
		missing = append(missing, "icon")
	}
	if strings.TrimSpace(r.URL) == "" && len(r.Bundle) == 0 {
		missing = append(missing, "main_url or zip_file")
	}
	if len(missing) > 0 {
		return errors.ValidationError("missing required fields: "+strings.Join(missing, ", ")).
			WithContext("missing", missing).
			Build()
	}
	if !appIDPattern.MatchString(r.AppID) {
		return errors.ValidationError("app_id must start with a letter and contain only letters, digits and underscores").
			WithContext("app_id", r.AppID).
			Build()
	}
	for key := range r.Extra {
		if !extraKeyPattern.MatchString(key) || descriptor.IsReserved(key) {
			return errors.ValidationError("invalid descriptor key "+key).
				WithContext("key", key).
				Build()
		}
	}
	return nil
}

// overlay layers overrides onto defaults without touching either map.
func overlay[V any](defaults, overrides map[string]V) map[string]V {
	out := make(map[string]V, len(defaults)+len(overrides))
	maps.Copy(out, defaults)
	maps.Copy(out, overrides)
	return out
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidateConfig checks a defaulted configuration.
func ValidateConfig(cfg *Config) error {
	v := &validator{cfg: cfg}
	for _, check := range []func() error{v.server, v.toolchain, v.events, v.monitoring} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

type validator struct {
	cfg *Config
}

func (v *validator) server() error {
	for _, origin := range v.cfg.Server.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return errors.New("server.cors_origins contains an empty origin")
		}
	}
	return nil
}

func (v *validator) toolchain() error {
	t := v.cfg.Toolchain
	for i, arg := range t.Command {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("toolchain.command[%d] is empty", i)
		}
	}
	if !strings.Contains(t.ArtifactPattern, "{app_id}") {
		return fmt.Errorf("toolchain.artifact_pattern %q must contain {app_id}", t.ArtifactPattern)
	}
	if t.TemplateRef != "" && t.TemplateRepo == "" {
		return errors.New("toolchain.template_ref requires toolchain.template_repo")
	}
	if t.CloneRetry.MaxDelay < t.CloneRetry.InitialDelay {
		return fmt.Errorf("toolchain.clone_retry.max_delay (%s) must be >= initial_delay (%s)",
			t.CloneRetry.MaxDelay, t.CloneRetry.InitialDelay)
	}
	return nil
}

func (v *validator) events() error {
	e := v.cfg.Events
	if e.NATSURL != "" && strings.TrimSpace(e.SubjectPrefix) == "" {
		return errors.New("events.subject_prefix is required when events.nats_url is set")
	}
	if strings.ContainsAny(e.SubjectPrefix, " *>") {
		return fmt.Errorf("events.subject_prefix %q must not contain spaces or wildcards", e.SubjectPrefix)
	}
	return nil
}

func (v *validator) monitoring() error {
	p := v.cfg.Monitoring.Metrics.Path
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("monitoring.metrics.path %q must start with /", p)
	}
	return nil
}

package config

import (
	"path/filepath"
	"time"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// Feature flags the descriptor carries unless a request overrides them.
var defaultFeatureFlags = map[string]bool{
	"allowSubdomains":            true,
	"requireDoubleBackToExit":    true,
	"enableExternalLinks":        true,
	"openExternalLinksInBrowser": true,
	"confirmOpenInBrowser":       true,
	"allowOpenMobileApp":         false,
	"geolocationEnabled":         false,
}

type serverDefaults struct{}

func (serverDefaults) Domain() string { return "server" }

func (serverDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8000"
	}
	if cfg.Server.PollInterval <= 0 {
		cfg.Server.PollInterval = time.Second
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	return nil
}

type storageDefaults struct{}

func (storageDefaults) Domain() string { return "storage" }

func (storageDefaults) ApplyDefaults(cfg *Config) error {
	s := &cfg.Storage
	if s.DataDir == "" {
		s.DataDir = "./apkbuilder-data"
	}
	if s.WorkspacesDir == "" {
		s.WorkspacesDir = "workspaces"
	}
	if s.OutputsDir == "" {
		s.OutputsDir = "outputs"
	}
	if s.CacheDir == "" {
		s.CacheDir = "cache"
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 10 * time.Minute
	}
	if s.Retention <= 0 {
		s.Retention = 24 * time.Hour
	}
	return nil
}

type toolchainDefaults struct{}

func (toolchainDefaults) Domain() string { return "toolchain" }

func (toolchainDefaults) ApplyDefaults(cfg *Config) error {
	t := &cfg.Toolchain
	if len(t.Command) == 0 {
		t.Command = []string{"bash", "make.sh"}
	}
	if t.TemplateDir == "" {
		t.TemplateDir = filepath.Join(cfg.Storage.DataDir, "template")
	}
	if t.Keystore == "" {
		t.Keystore = filepath.Join(cfg.Storage.DataDir, "keystore", "release.jks")
	}
	if t.ArtifactPattern == "" {
		t.ArtifactPattern = "{app_id}.apk"
	}

	r := &t.CloneRetry
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.MaxRetries == 0 { // default 2 retries (3 total attempts)
		r.MaxRetries = 2
	}
	if mode := NormalizeRetryBackoff(string(r.Backoff)); mode != "" {
		r.Backoff = mode
	} else {
		r.Backoff = RetryBackoffLinear
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	return nil
}

type buildDefaults struct{}

func (buildDefaults) Domain() string { return "build" }

func (buildDefaults) ApplyDefaults(cfg *Config) error {
	b := &cfg.Build
	if b.Workers < 0 {
		b.Workers = 0
	}
	if !b.workersSpecified && b.Workers == 0 {
		b.Workers = 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 100
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = 64
	}
	flags := make(map[string]bool, len(defaultFeatureFlags)+len(b.DefaultFlags))
	for k, v := range defaultFeatureFlags {
		flags[k] = v
	}
	for k, v := range b.DefaultFlags {
		flags[k] = v
	}
	b.DefaultFlags = flags
	return nil
}

type eventsDefaults struct{}

func (eventsDefaults) Domain() string { return "events" }

func (eventsDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Events.JournalDSN == "" {
		cfg.Events.JournalDSN = ":memory:"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "apkbuilder.builds"
	}
	return nil
}

type monitoringDefaults struct{}

func (monitoringDefaults) Domain() string { return "monitoring" }

func (monitoringDefaults) ApplyDefaults(cfg *Config) error {
	m := &cfg.Monitoring
	if !m.Metrics.enabledSpecified {
		m.Metrics.Enabled = true
	}
	if m.Metrics.Path == "" {
		m.Metrics.Path = "/metrics"
	}
	m.Logging.Level = NormalizeLogLevel(string(m.Logging.Level))
	m.Logging.Format = NormalizeLogFormat(string(m.Logging.Format))
	return nil
}

// appliers run in order; toolchain paths derive from storage.
var appliers = []DefaultApplier{
	serverDefaults{},
	storageDefaults{},
	toolchainDefaults{},
	buildDefaults{},
	eventsDefaults{},
	monitoringDefaults{},
}

func applyDefaults(cfg *Config) error {
	for _, a := range appliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

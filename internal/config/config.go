package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete apkbuilder configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Toolchain  ToolchainConfig  `yaml:"toolchain"`
	Build      BuildConfig      `yaml:"build"`
	Storage    StorageConfig    `yaml:"storage"`
	Events     EventsConfig     `yaml:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	CORSOrigins  []string      `yaml:"cors_origins,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"` // progress stream registry poll interval
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
}

// ToolchainConfig describes how the external build toolchain is invoked.
type ToolchainConfig struct {
	Command              []string          `yaml:"command"`      // argv prefix; the action name is appended
	TemplateDir          string            `yaml:"template_dir"` // pristine toolchain source tree copied per job
	TemplateRepo         string            `yaml:"template_repo,omitempty"`
	TemplateRef          string            `yaml:"template_ref,omitempty"`
	Keystore             string            `yaml:"keystore"`
	CleanBeforeConfigure bool              `yaml:"clean_before_configure"`
	ArtifactPattern      string            `yaml:"artifact_pattern"` // "{app_id}" is replaced by the app id
	Env                  map[string]string `yaml:"env,omitempty"`
	CloneRetry           RetryConfig       `yaml:"clone_retry"`
}

// RetryConfig configures retry policy for transient operations.
type RetryConfig struct {
	MaxRetries   int              `yaml:"max_retries"`
	Backoff      RetryBackoffMode `yaml:"backoff"`
	InitialDelay time.Duration    `yaml:"initial_delay"`
	MaxDelay     time.Duration    `yaml:"max_delay"`
}

// BuildConfig holds admission control and request defaults.
type BuildConfig struct {
	Workers        int             `yaml:"workers"` // 0 runs every job on its own goroutine
	QueueSize      int             `yaml:"queue_size"`
	DefaultFlags   map[string]bool `yaml:"default_flags,omitempty"`
	MaxUploadMB    int64           `yaml:"max_upload_mb"`
	KeepWorkspaces bool            `yaml:"keep_workspaces"`

	// ExtraDescriptor keys are written verbatim into every build descriptor.
	ExtraDescriptor map[string]string `yaml:"extra_descriptor,omitempty"`

	workersSpecified bool
}

// UnmarshalYAML records whether workers was set explicitly so that an
// explicit zero survives defaulting.
func (b *BuildConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawBuild BuildConfig
	var raw rawBuild
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*b = BuildConfig(raw)
	b.workersSpecified = hasKey(value, "workers")
	return nil
}

// StorageConfig lays out the data directory.
type StorageConfig struct {
	DataDir       string        `yaml:"data_dir"`
	WorkspacesDir string        `yaml:"workspaces_dir,omitempty"` // relative to data_dir unless absolute
	OutputsDir    string        `yaml:"outputs_dir,omitempty"`
	CacheDir      string        `yaml:"cache_dir,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// EventsConfig configures the stage-transition journal and remote fan-out.
type EventsConfig struct {
	JournalDSN    string `yaml:"journal_dsn"`
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MonitoringConfig represents monitoring and observability configuration.
type MonitoringConfig struct {
	Metrics MonitoringMetrics `yaml:"metrics"`
	Logging MonitoringLogging `yaml:"logging"`
}

// MonitoringMetrics represents metrics configuration.
type MonitoringMetrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	enabledSpecified bool
}

// UnmarshalYAML tracks an explicit enabled flag so metrics default to on.
func (m *MonitoringMetrics) UnmarshalYAML(value *yaml.Node) error {
	type rawMetrics MonitoringMetrics
	var raw rawMetrics
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*m = MonitoringMetrics(raw)
	m.enabledSpecified = hasKey(value, "enabled")
	return nil
}

// MonitoringLogging represents logging configuration.
type MonitoringLogging struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Load reads, expands, defaults and validates a configuration file.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML content, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration, as if loaded from an empty file.
func Default() *Config {
	var cfg Config
	_ = applyDefaults(&cfg)
	return &cfg
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Default()
	example.Server.CORSOrigins = []string{"http://localhost:8001"}
	example.Toolchain.TemplateRepo = "https://github.com/Jipok/webtoapk.git"

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

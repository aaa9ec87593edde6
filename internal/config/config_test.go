package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Listen)
	assert.Equal(t, time.Second, cfg.Server.PollInterval)
	assert.Equal(t, []string{"bash", "make.sh"}, cfg.Toolchain.Command)
	assert.Equal(t, "{app_id}.apk", cfg.Toolchain.ArtifactPattern)
	assert.Equal(t, 4, cfg.Build.Workers)
	assert.Equal(t, 100, cfg.Build.QueueSize)
	assert.Equal(t, int64(64<<20), cfg.Build.MaxUploadBytes())
	assert.Equal(t, ":memory:", cfg.Events.JournalDSN)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
	assert.Equal(t, LogLevelInfo, cfg.Monitoring.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Monitoring.Logging.Format)

	assert.Equal(t, filepath.Join("apkbuilder-data", "workspaces"), cfg.Storage.WorkspacesPath())
	assert.Equal(t, filepath.Join("apkbuilder-data", "template"), cfg.Toolchain.TemplateDir)
	assert.True(t, cfg.Build.DefaultFlags["allowSubdomains"])
	assert.False(t, cfg.Build.DefaultFlags["geolocationEnabled"])
}

func TestLoad_ExplicitValues(t *testing.T) {
	t.Setenv("APKB_TEST_NATS", "nats://127.0.0.1:4222")

	content := `server:
  listen: ":9000"
  poll_interval: 250ms
  cors_origins: ["http://localhost:8001"]
toolchain:
  command: ["sh", "toolchain.sh"]
  clean_before_configure: true
  clone_retry:
    max_retries: 5
    backoff: EXPONENTIAL
build:
  workers: 0
  queue_size: 10
  default_flags:
    geolocationEnabled: true
  extra_descriptor:
    userAgent: apkbuilder
storage:
  data_dir: /var/lib/apkbuilder
  cache_dir: /var/cache/gradle
events:
  nats_url: ${APKB_TEST_NATS}
monitoring:
  metrics:
    enabled: false
  logging:
    level: DEBUG
    format: json
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Server.PollInterval)
	assert.Equal(t, []string{"sh", "toolchain.sh"}, cfg.Toolchain.Command)
	assert.True(t, cfg.Toolchain.CleanBeforeConfigure)
	assert.Equal(t, 5, cfg.Toolchain.CloneRetry.MaxRetries)
	assert.Equal(t, RetryBackoffExponential, cfg.Toolchain.CloneRetry.Backoff)
	assert.True(t, cfg.Build.Unbounded(), "explicit zero workers must survive defaulting")
	assert.Equal(t, 10, cfg.Build.QueueSize)
	assert.True(t, cfg.Build.DefaultFlags["geolocationEnabled"])
	assert.True(t, cfg.Build.DefaultFlags["enableExternalLinks"])
	assert.Equal(t, map[string]string{"userAgent": "apkbuilder"}, cfg.Build.ExtraDescriptor)
	assert.Equal(t, "/var/lib/apkbuilder/outputs", cfg.Storage.OutputsPath())
	assert.Equal(t, "/var/cache/gradle", cfg.Storage.CachePath())
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
	assert.False(t, cfg.Monitoring.Metrics.Enabled)
	assert.Equal(t, slog.LevelDebug, cfg.Monitoring.Logging.Level.SlogLevel())
	assert.Equal(t, LogFormatJSON, cfg.Monitoring.Logging.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"artifact pattern", "toolchain:\n  artifact_pattern: out.apk\n", "artifact_pattern"},
		{"ref without repo", "toolchain:\n  template_ref: main\n", "template_ref"},
		{"metrics path", "monitoring:\n  metrics:\n    path: metrics\n", "metrics.path"},
		{"wildcard subject", "events:\n  subject_prefix: \"builds.>\"\n", "subject_prefix"},
		{"bad yaml", "server: [\n", "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Init(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:8001"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Build.Workers)

	err = Init(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, Init(path, true))
}

func TestNormalizeRetryBackoff(t *testing.T) {
	assert.Equal(t, RetryBackoffFixed, NormalizeRetryBackoff(" Fixed "))
	assert.Equal(t, RetryBackoffMode(""), NormalizeRetryBackoff("random"))
}

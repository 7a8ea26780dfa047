package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "fhirlake.db", cfg.Database.Path)
	assert.Equal(t, "fhir", cfg.Pulse.QueueType)
	assert.Equal(t, 300, cfg.Pulse.HeartbeatTimeoutSec)
	assert.Equal(t, []string{"Patient"}, cfg.Processing.ResourceTypes)
	assert.Equal(t, BackendSQLite, cfg.Pulse.Backend)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestDurations(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 30*time.Second, cfg.Pulse.TickInterval())
	assert.Equal(t, 300*time.Second, cfg.Pulse.HeartbeatTimeout())
	assert.Equal(t, time.Hour, cfg.Processing.Granularity())

	start, end, err := cfg.Processing.Bounds()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.IsZero(), "empty end_time means open ended")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero workers is valid (disabled)", func(c *Config) { c.Pulse.Workers = 0 }, ""},
		{"negative workers", func(c *Config) { c.Pulse.Workers = -1 }, "pulse.workers"},
		{"zero running bound", func(c *Config) { c.Pulse.MaxRunningJobCount = 0 }, "max_running_job_count"},
		{"zero fan-out bound", func(c *Config) { c.Pulse.MaxQueuedJobCountPerOrchestration = 0 }, "max_queued_job_count_per_orchestration"},
		{"heartbeat interval beyond timeout", func(c *Config) { c.Pulse.HeartbeatIntervalSec = 400 }, "heartbeat_interval_sec"},
		{"visibility shorter than heartbeat", func(c *Config) { c.Pulse.VisibilityTimeoutSec = 10 }, "visibility_timeout_sec"},
		{"unknown backend", func(c *Config) { c.Pulse.Backend = "kafka" }, "pulse.backend"},
		{"redis without addr", func(c *Config) { c.Pulse.Backend = BackendRedis; c.Redis.Addr = "" }, "redis.addr"},
		{"bad start time", func(c *Config) { c.Processing.StartTime = "yesterday" }, "processing.start_time"},
		{"filter overrides window", func(c *Config) { c.Processing.Filters = map[string]string{"_lastUpdated": "ge2020"} }, "processing.filters"},
		{"end before start", func(c *Config) { c.Processing.EndTime = "2023-01-01T00:00:00Z" }, "must be before"},
		{"duplicate resource type", func(c *Config) { c.Processing.ResourceTypes = []string{"Patient", "Patient"} }, "twice"},
		{"no resource types", func(c *Config) { c.Processing.ResourceTypes = nil }, "resource_types"},
		{"bad base url", func(c *Config) { c.Source.BaseURL = "not a url" }, "source.base_url"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = StorageS3 }, "s3_bucket"},
		{"same staging and result", func(c *Config) { c.Storage.ResultPrefix = c.Storage.StagingPrefix }, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[pulse]
workers = 6
max_running_job_count = 3

[processing]
start_time = "2024-01-01T00:00:00Z"
end_time = "2024-02-01T00:00:00Z"
resource_types = ["Patient", "Observation"]

[processing.filters]
_security = "R"
address-state = "MA"

[convert.schemas]
Patient = ["gender", "birthDate"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pulse.Workers)
	assert.Equal(t, 3, cfg.Pulse.MaxRunningJobCount)
	assert.Equal(t, 300, cfg.Pulse.HeartbeatTimeoutSec, "defaults fill unspecified keys")
	assert.Equal(t, []string{"Patient", "Observation"}, cfg.Processing.ResourceTypes)
	assert.Equal(t, []string{"gender", "birthDate"}, cfg.Convert.Schemas["patient"], "viper lowercases map keys")
	assert.Equal(t, map[string]string{"_security": "R", "address-state": "MA"}, cfg.Processing.Filters)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_running_job_count = -2\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_running_job_count")
}

func TestEncodeTOMLRedactsSecrets(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Source.BearerToken = "super-secret"

	out, err := cfg.EncodeTOML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")
	assert.Contains(t, string(out), "[pulse]")
	assert.Equal(t, "super-secret", cfg.Source.BearerToken, "original config untouched")
}

func TestSearchPathsFindsProjectConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"), []byte("[pulse]\nworkers = 2\n"), 0644))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)

	paths := SearchPaths()
	require.GreaterOrEqual(t, len(paths), 3)
	assert.Equal(t, "/etc/fhirlake/am.toml", paths[0])
	resolved, err := filepath.EvalSymlinks(filepath.Join(dir, "am.toml"))
	require.NoError(t, err)
	last, err := filepath.EvalSymlinks(paths[len(paths)-1])
	require.NoError(t, err)
	assert.Equal(t, resolved, last, "the project file has the highest file precedence")
}

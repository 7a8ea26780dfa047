// Package am loads and validates fhirlake configuration.
//
// Configuration is read once at startup and treated as immutable by the
// job engine afterwards.
package am

import (
	"time"

	"github.com/teranos/fhirlake/errors"
)

// Config represents the complete fhirlake configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse"`
	Processing ProcessingConfig `mapstructure:"processing" toml:"processing"`
	Source     SourceConfig     `mapstructure:"source" toml:"source"`
	Storage    StorageConfig    `mapstructure:"storage" toml:"storage"`
	Redis      RedisConfig      `mapstructure:"redis" toml:"redis"`
	Convert    ConvertConfig    `mapstructure:"convert" toml:"convert"`
}

// DatabaseConfig configures the SQLite database holding job records
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the job engine (workers, orchestrator, queue, lease)
type PulseConfig struct {
	QueueType string `mapstructure:"queue_type" toml:"queue_type"` // logical queue name, also the record partition

	Workers int `mapstructure:"workers" toml:"workers"` // concurrent job workers (0 = none)

	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"` // orchestrator tick

	MaxRunningJobCount                int `mapstructure:"max_running_job_count" toml:"max_running_job_count"`
	MaxQueuedJobCountPerOrchestration int `mapstructure:"max_queued_job_count_per_orchestration" toml:"max_queued_job_count_per_orchestration"`

	HeartbeatTimeoutSec  int `mapstructure:"heartbeat_timeout_sec" toml:"heartbeat_timeout_sec"`
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`
	VisibilityTimeoutSec int `mapstructure:"visibility_timeout_sec" toml:"visibility_timeout_sec"`
	LockDurationSec      int `mapstructure:"lock_duration_sec" toml:"lock_duration_sec"`

	CheckpointEverySnapshots int `mapstructure:"checkpoint_every_snapshots" toml:"checkpoint_every_snapshots"` // N
	SnapshotEveryPages       int `mapstructure:"snapshot_every_pages" toml:"snapshot_every_pages"`             // K

	Backend string `mapstructure:"backend" toml:"backend"` // queue and lock backend: sqlite or redis
}

// ProcessingConfig bounds the extraction
type ProcessingConfig struct {
	StartTime                string   `mapstructure:"start_time" toml:"start_time"` // RFC3339
	EndTime                  string   `mapstructure:"end_time" toml:"end_time"`     // RFC3339, empty = open ended
	ResourceTypes            []string `mapstructure:"resource_types" toml:"resource_types"`
	WindowGranularityMinutes int      `mapstructure:"window_granularity_minutes" toml:"window_granularity_minutes"`

	// Filters are extra search parameters sent with every processing job
	// query. Keys are lowercased on load.
	Filters map[string]string `mapstructure:"filters" toml:"filters,omitempty"`
}

// SourceConfig configures the FHIR source client and its resilience policy
type SourceConfig struct {
	BaseURL            string  `mapstructure:"base_url" toml:"base_url"`
	PageSize           int     `mapstructure:"page_size" toml:"page_size"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RetryMax           int     `mapstructure:"retry_max" toml:"retry_max"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	BreakerFailures    int     `mapstructure:"breaker_failures" toml:"breaker_failures"`
	BreakerCooldownSec int     `mapstructure:"breaker_cooldown_sec" toml:"breaker_cooldown_sec"`
	BearerToken        string  `mapstructure:"bearer_token" toml:"bearer_token,omitempty"`
}

// StorageConfig configures the staging/result blob store
type StorageConfig struct {
	Backend       string `mapstructure:"backend" toml:"backend"` // local or s3
	Root          string `mapstructure:"root" toml:"root"`       // local root directory
	StagingPrefix string `mapstructure:"staging_prefix" toml:"staging_prefix"`
	ResultPrefix  string `mapstructure:"result_prefix" toml:"result_prefix"`
	S3Bucket      string `mapstructure:"s3_bucket" toml:"s3_bucket"`
	S3Region      string `mapstructure:"s3_region" toml:"s3_region"`
	S3Endpoint    string `mapstructure:"s3_endpoint" toml:"s3_endpoint,omitempty"`
}

// RedisConfig configures the redis queue and lock backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password,omitempty"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// ConvertConfig maps resource types to extra columns pulled from the resource JSON.
// Each column is a dot-separated path, e.g. "gender" or "subject.reference".
type ConvertConfig struct {
	Schemas map[string][]string `mapstructure:"schemas" toml:"schemas"`
}

// Configuration constants
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	StorageLocal = "local"
	StorageS3    = "s3"

	DefaultDirPermissions = 0755
)

// TickInterval returns the orchestrator tick as a duration
func (p PulseConfig) TickInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the sweep staleness threshold
func (p PulseConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutSec) * time.Second
}

// HeartbeatInterval returns how often running jobs refresh liveness
func (p PulseConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSec) * time.Second
}

// VisibilityTimeout returns the queue visibility timeout
func (p PulseConfig) VisibilityTimeout() time.Duration {
	return time.Duration(p.VisibilityTimeoutSec) * time.Second
}

// LockDuration returns the scheduling lease duration
func (p PulseConfig) LockDuration() time.Duration {
	return time.Duration(p.LockDurationSec) * time.Second
}

// Bounds parses the processing start and end. A zero end means open ended.
func (p ProcessingConfig) Bounds() (start, end time.Time, err error) {
	start, err = time.Parse(time.RFC3339, p.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "processing.start_time %q", p.StartTime)
	}
	if p.EndTime != "" {
		end, err = time.Parse(time.RFC3339, p.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(err, "processing.end_time %q", p.EndTime)
		}
	}
	return start.UTC(), end.UTC(), nil
}

// Granularity returns the minimum window width
func (p ProcessingConfig) Granularity() time.Duration {
	return time.Duration(p.WindowGranularityMinutes) * time.Minute
}

// Timeout returns the per-call source timeout
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

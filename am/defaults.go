package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "fhirlake.db")

	// Pulse (job engine) defaults
	v.SetDefault("pulse.queue_type", "fhir")
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.max_running_job_count", 4)
	v.SetDefault("pulse.max_queued_job_count_per_orchestration", 8)
	v.SetDefault("pulse.heartbeat_timeout_sec", 300)
	v.SetDefault("pulse.heartbeat_interval_sec", 30)
	v.SetDefault("pulse.visibility_timeout_sec", 120)
	v.SetDefault("pulse.lock_duration_sec", 60)
	v.SetDefault("pulse.checkpoint_every_snapshots", 5) // bounds crash loss to N-1 snapshots
	v.SetDefault("pulse.snapshot_every_pages", 1)
	v.SetDefault("pulse.backend", BackendSQLite)

	// Processing defaults
	v.SetDefault("processing.start_time", "2024-01-01T00:00:00Z")
	v.SetDefault("processing.end_time", "")
	v.SetDefault("processing.resource_types", []string{"Patient"})
	v.SetDefault("processing.window_granularity_minutes", 60)

	// Source defaults
	v.SetDefault("source.base_url", "http://localhost:8080/fhir")
	v.SetDefault("source.page_size", 100)
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("source.retry_max", 3)
	v.SetDefault("source.requests_per_second", 10.0)
	v.SetDefault("source.breaker_failures", 5)
	v.SetDefault("source.breaker_cooldown_sec", 30)

	// Storage defaults
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.root", "fhirlake-data")
	v.SetDefault("storage.staging_prefix", "staging")
	v.SetDefault("storage.result_prefix", "result")
	v.SetDefault("storage.s3_region", "us-east-1")

	// Redis defaults (used when pulse.backend = redis)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}

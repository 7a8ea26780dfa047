package am

import (
	"net/url"
	"strings"

	"github.com/teranos/fhirlake/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Pulse.QueueType == "" {
		return errors.New("pulse.queue_type cannot be empty")
	}
	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be > 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.MaxRunningJobCount <= 0 {
		return errors.Newf("pulse.max_running_job_count must be > 0, got %d", c.Pulse.MaxRunningJobCount)
	}
	if c.Pulse.MaxQueuedJobCountPerOrchestration <= 0 {
		return errors.Newf("pulse.max_queued_job_count_per_orchestration must be > 0, got %d", c.Pulse.MaxQueuedJobCountPerOrchestration)
	}
	if c.Pulse.HeartbeatTimeoutSec <= 0 {
		return errors.Newf("pulse.heartbeat_timeout_sec must be > 0, got %d", c.Pulse.HeartbeatTimeoutSec)
	}
	if c.Pulse.HeartbeatIntervalSec <= 0 || c.Pulse.HeartbeatIntervalSec >= c.Pulse.HeartbeatTimeoutSec {
		return errors.Newf("pulse.heartbeat_interval_sec must be in (0, heartbeat_timeout_sec), got %d", c.Pulse.HeartbeatIntervalSec)
	}
	if c.Pulse.VisibilityTimeoutSec <= c.Pulse.HeartbeatIntervalSec {
		return errors.Newf("pulse.visibility_timeout_sec must exceed heartbeat_interval_sec, got %d", c.Pulse.VisibilityTimeoutSec)
	}
	if c.Pulse.LockDurationSec <= 0 {
		return errors.Newf("pulse.lock_duration_sec must be > 0, got %d", c.Pulse.LockDurationSec)
	}
	if c.Pulse.CheckpointEverySnapshots <= 0 {
		return errors.Newf("pulse.checkpoint_every_snapshots must be > 0, got %d", c.Pulse.CheckpointEverySnapshots)
	}
	if c.Pulse.SnapshotEveryPages <= 0 {
		return errors.Newf("pulse.snapshot_every_pages must be > 0, got %d", c.Pulse.SnapshotEveryPages)
	}
	switch c.Pulse.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return errors.Newf("pulse.backend must be %q or %q, got %q", BackendSQLite, BackendRedis, c.Pulse.Backend)
	}
	if c.Pulse.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty when pulse.backend = redis")
	}

	start, end, err := c.Processing.Bounds()
	if err != nil {
		return err
	}
	if !end.IsZero() && !start.Before(end) {
		return errors.Newf("processing.start_time %s must be before processing.end_time %s", start, end)
	}
	if len(c.Processing.ResourceTypes) == 0 {
		return errors.New("processing.resource_types cannot be empty")
	}
	seen := make(map[string]bool, len(c.Processing.ResourceTypes))
	for _, rt := range c.Processing.ResourceTypes {
		if rt == "" {
			return errors.New("processing.resource_types contains an empty entry")
		}
		if seen[rt] {
			return errors.Newf("processing.resource_types lists %q twice", rt)
		}
		seen[rt] = true
	}
	for k := range c.Processing.Filters {
		switch strings.ToLower(k) {
		case "":
			return errors.New("processing.filters contains an empty parameter name")
		case "_lastupdated", "_count", "_sort":
			return errors.Newf("processing.filters cannot set %s, it is set by the source client", k)
		}
	}
	if c.Processing.WindowGranularityMinutes <= 0 {
		return errors.Newf("processing.window_granularity_minutes must be > 0, got %d", c.Processing.WindowGranularityMinutes)
	}

	if _, err := url.ParseRequestURI(c.Source.BaseURL); err != nil {
		return errors.Wrapf(err, "source.base_url %q", c.Source.BaseURL)
	}
	if c.Source.PageSize <= 0 {
		return errors.Newf("source.page_size must be > 0, got %d", c.Source.PageSize)
	}
	if c.Source.TimeoutSeconds <= 0 {
		return errors.Newf("source.timeout_seconds must be > 0, got %d", c.Source.TimeoutSeconds)
	}
	if c.Source.RetryMax < 0 {
		return errors.Newf("source.retry_max must be >= 0, got %d", c.Source.RetryMax)
	}
	if c.Source.RequestsPerSecond < 0 {
		return errors.Newf("source.requests_per_second must be >= 0, got %f", c.Source.RequestsPerSecond)
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Root == "" {
			return errors.New("storage.root cannot be empty for local storage")
		}
	case StorageS3:
		if c.Storage.S3Bucket == "" {
			return errors.New("storage.s3_bucket cannot be empty for s3 storage")
		}
	default:
		return errors.Newf("storage.backend must be %q or %q, got %q", StorageLocal, StorageS3, c.Storage.Backend)
	}
	if c.Storage.StagingPrefix == "" || c.Storage.ResultPrefix == "" {
		return errors.New("storage.staging_prefix and storage.result_prefix cannot be empty")
	}
	if c.Storage.StagingPrefix == c.Storage.ResultPrefix {
		return errors.Newf("storage.staging_prefix and storage.result_prefix must differ, both %q", c.Storage.StagingPrefix)
	}

	return nil
}

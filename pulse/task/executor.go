package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/blob"
	"github.com/teranos/fhirlake/convert"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/source"
	"github.com/teranos/fhirlake/sym"
)

// Config tunes checkpoint frequency
type Config struct {
	SnapshotEveryPages       int // K: pages between snapshots sent to the updater
	CheckpointEverySnapshots int // N: snapshots between persisted checkpoints
}

// ConfigFromAM reads the checkpoint settings of the pulse section
func ConfigFromAM(cfg am.PulseConfig) Config {
	return Config{
		SnapshotEveryPages:       cfg.SnapshotEveryPages,
		CheckpointEverySnapshots: cfg.CheckpointEverySnapshots,
	}
}

// Executor runs the page loop of processing jobs
type Executor struct {
	store     *async.Store
	source    source.Client
	converter convert.Converter
	blobs     blob.Store
	layout    blob.Layout
	config    Config
	logger    *zap.SugaredLogger
}

// NewExecutor creates an executor. log may be nil.
func NewExecutor(store *async.Store, src source.Client, conv convert.Converter, blobs blob.Store, layout blob.Layout, cfg Config, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = logger.Logger
	}
	if cfg.SnapshotEveryPages <= 0 {
		cfg.SnapshotEveryPages = 1
	}
	if cfg.CheckpointEverySnapshots <= 0 {
		cfg.CheckpointEverySnapshots = 1
	}
	return &Executor{
		store:     store,
		source:    src,
		converter: conv,
		blobs:     blobs,
		layout:    layout,
		config:    cfg,
		logger:    logger.WithSymbol(log.Named("task"), sym.IX),
	}
}

// Run executes a claimed processing job until the source has no more pages.
//
// Progress is restored from the record, so a redelivered job picks up at its
// last checkpoint. The context is checked between pages only; a page that has
// started is fetched, converted and staged in full. When the context ends Run
// returns async.ErrInterrupted, or the cancel cause when it is
// async.ErrCancelRequested or async.ErrLeaseLost. Source, conversion and write
// failures are returned as they are.
func (e *Executor) Run(ctx context.Context, job *async.JobRecord) (*TaskContext, error) {
	if job.Kind() != async.KindProcessing {
		return nil, errors.AssertionFailedf("job %d is not a processing job (%s)", job.ID, job.Kind())
	}
	tc := NewTaskContext(job)
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldResourceType, tc.ResourceType)
	if tc.IsCompleted {
		log.Debugw("All pages already staged, nothing to fetch")
		return tc, nil
	}

	if ctx.Err() != nil {
		return tc, stopCause(ctx, job.ID)
	}
	// the discard is part of resuming, so it completes even if shutdown begins now
	if err := e.discardUncheckpointed(context.WithoutCancel(ctx), tc); err != nil {
		return tc, err
	}

	updater, err := NewProgressUpdater(e.store, job, e.config.CheckpointEverySnapshots, e.logger)
	if err != nil {
		return tc, err
	}
	// shutdown must not keep the last checkpoint from being written by Close
	go updater.Run(context.WithoutCancel(ctx))

	start := time.Now()
	runErr := e.pages(ctx, job, tc, updater)
	if closeErr := updater.Close(); closeErr != nil {
		if runErr == nil || errors.Is(closeErr, async.ErrLeaseLost) {
			runErr = closeErr
		} else {
			log.Warnw("Final checkpoint failed", logger.FieldError, closeErr)
		}
	}

	log.Infow("Task run finished",
		logger.FieldCount, tc.ProcessedCount,
		"skipped", tc.SkippedCount,
		logger.FieldPartID, tc.PartID,
		"completed", tc.IsCompleted,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return tc, runErr
}

func (e *Executor) pages(ctx context.Context, job *async.JobRecord, tc *TaskContext, updater *ProgressUpdater) error {
	req := source.SearchRequest{
		ResourceType: tc.ResourceType,
		Window:       job.Definition.Window,
		Filters:      job.Definition.Filters,
	}

	pages := 0
	for !tc.IsCompleted {
		if ctx.Err() != nil {
			return stopCause(ctx, job.ID)
		}
		// a started page is never truncated
		pageCtx := context.WithoutCancel(ctx)

		req.ContinuationToken = tc.ContinuationToken
		page, err := e.source.Search(pageCtx, req)
		if err != nil {
			return err
		}
		if err := e.stage(pageCtx, job, tc, page); err != nil {
			return err
		}

		pages++
		if tc.IsCompleted || pages%e.config.SnapshotEveryPages == 0 {
			if err := updater.Send(tc.Snapshot()); err != nil {
				return err
			}
		}
	}
	return nil
}

// stage converts and writes one page, one part per calendar day, then advances the token
func (e *Executor) stage(ctx context.Context, job *async.JobRecord, tc *TaskContext, page *source.Page) error {
	for _, part := range partitionByDay(page.Rows, job.Definition.Window.Start) {
		batch, err := e.converter.Convert(part.rows, tc.ResourceType)
		if err != nil {
			return errors.Wrapf(err, "job %d part %d", job.ID, tc.PartID)
		}
		tc.SkippedCount += int64(batch.Skipped)
		if batch.Rows == 0 {
			continue
		}

		p := e.layout.PartPath(job.ID, part.day, tc.ResourceType, tc.PartID)
		if err := e.blobs.Write(ctx, p, batch.Data); err != nil {
			return errors.Wrapf(err, "job %d part %d", job.ID, tc.PartID)
		}
		tc.PartID++
		tc.ProcessedCount += int64(batch.Rows)
	}

	if page.Total >= 0 {
		tc.SearchCount = page.Total
	}
	tc.ContinuationToken = page.NextToken
	tc.IsCompleted = page.NextToken == ""
	return nil
}

// discardUncheckpointed removes staged parts written after the last checkpoint
// by an earlier delivery; they are rewritten from the checkpointed token
func (e *Executor) discardUncheckpointed(ctx context.Context, tc *TaskContext) error {
	files, err := e.blobs.List(ctx, e.layout.JobStaging(tc.JobID))
	if err != nil {
		return errors.Wrapf(err, "failed to list staging of job %d", tc.JobID)
	}

	discarded := 0
	for _, f := range files {
		id, ok := blob.ParsePartID(f, tc.ResourceType)
		if !ok || id < tc.PartID {
			continue
		}
		if err := e.blobs.Delete(ctx, f); err != nil {
			return errors.Wrapf(err, "failed to discard part %s", f)
		}
		discarded++
	}
	if discarded > 0 {
		e.logger.Infow(sym.PulseOpen+" Resuming from checkpoint, discarded later parts",
			logger.FieldJobID, tc.JobID,
			logger.FieldPartID, tc.PartID,
			logger.FieldCount, discarded)
	}
	return nil
}

// stopCause maps the reason the task context ended onto a handler outcome
func stopCause(ctx context.Context, id int64) error {
	cause := context.Cause(ctx)
	if errors.IsAny(cause, async.ErrCancelRequested, async.ErrLeaseLost) {
		return cause
	}
	err := errors.Wrapf(async.ErrInterrupted, "job %d stopped at page boundary", id)
	return errors.WithDetail(err, cause.Error())
}

type dayPartition struct {
	day  time.Time
	rows [][]byte
}

// partitionByDay groups rows by the UTC calendar day of meta.lastUpdated,
// keeping the relative order of rows and of first appearance. Rows without a
// usable timestamp fall into the day of fallback.
func partitionByDay(rows [][]byte, fallback time.Time) []dayPartition {
	var parts []dayPartition
	index := make(map[int64]int)
	for _, row := range rows {
		ts, ok := convert.LastUpdated(row)
		if !ok {
			ts = fallback
		}
		ts = ts.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)

		i, seen := index[day.Unix()]
		if !seen {
			i = len(parts)
			index[day.Unix()] = i
			parts = append(parts, dayPartition{day: day})
		}
		parts[i].rows = append(parts[i].rows, row)
	}
	return parts
}

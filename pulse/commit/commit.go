// Package commit publishes the staged output of processing jobs.
//
// A job writes parts under its staging prefix while it runs; nothing there is
// visible to consumers. Commit moves the staging prefix to the job's result
// prefix and only then marks the record Completed. Fail and Cancel settle the
// record and discard staging on a best-effort basis.
package commit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fhirlake/blob"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/sym"
)

// Coordinator settles processing records against the blob store
type Coordinator struct {
	store   *async.Store
	blobs   blob.Store
	layout  blob.Layout
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewCoordinator creates a coordinator. log may be nil.
func NewCoordinator(store *async.Store, blobs blob.Store, layout blob.Layout, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = logger.Logger
	}
	return &Coordinator{
		store:   store,
		blobs:   blobs,
		layout:  layout,
		logger:  log.Named("commit"),
		timeNow: time.Now,
	}
}

// SetClock replaces the time source (tests)
func (c *Coordinator) SetClock(now func() time.Time) {
	c.timeNow = now
}

// Layout returns the staging and result layout
func (c *Coordinator) Layout() blob.Layout {
	return c.layout
}

// owned rejects mutations of a record that is no longer Running under owner
func owned(j *async.JobRecord, owner string) error {
	if j.Status != async.JobStatusRunning || j.Owner != owner {
		return errors.Wrapf(async.ErrLeaseLost, "job %d is %s under %q", j.ID, j.Status, j.Owner)
	}
	return nil
}

// Commit moves the staging prefix of a finished job to its result prefix and
// marks the record Completed. When the move fails the record stays Running
// with CommitPending set and no owner, and ErrCommitPending is returned so the
// message is redelivered and the move retried.
func (c *Coordinator) Commit(ctx context.Context, job *async.JobRecord) error {
	rt := job.Definition.ResourceType
	src := c.layout.JobStaging(job.ID)
	dst := c.layout.JobResult(rt, job.ID)
	log := c.logger.With(logger.FieldJobID, job.ID, logger.FieldResourceType, rt)

	published, err := c.publish(ctx, src, dst)
	if err != nil {
		log.Warnw("Staged output move failed, commit left pending", logger.FieldPath, src, logger.FieldError, err)
		if _, uerr := c.store.UpdateJobWithRetry(ctx, job.ID, func(j *async.JobRecord) error {
			if err := owned(j, job.Owner); err != nil {
				return err
			}
			j.Result.CommitPending = true
			j.Owner = ""
			return nil
		}); uerr != nil {
			return errors.Wrapf(uerr, "failed to mark job %d commit pending", job.ID)
		}
		pending := errors.Wrapf(async.ErrCommitPending, "job %d: move %s -> %s", job.ID, src, dst)
		return errors.WithDetail(pending, err.Error())
	}

	updated, err := c.store.UpdateJobWithRetry(ctx, job.ID, func(j *async.JobRecord) error {
		if err := owned(j, job.Owner); err != nil {
			return err
		}
		if published {
			j.Result.ResultPrefix = dst
		}
		return j.Complete(c.timeNow())
	})
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %d", job.ID)
	}
	*job = *updated
	if !published {
		log.Infow(sym.Commit + " Job completed without output")
		return nil
	}
	log.Infow(sym.Commit+" Job output committed", logger.FieldPath, dst)
	return nil
}

// publish moves src to dst and reports whether dst holds output. Move
// succeeds when an earlier attempt already moved everything, so NotFound
// means neither prefix exists: the window held no rows.
func (c *Coordinator) publish(ctx context.Context, src, dst string) (bool, error) {
	err := c.blobs.Move(ctx, src, dst)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	return err == nil, err
}

// Fail marks the record Failed with the classified kind of cause and discards staging
func (c *Coordinator) Fail(ctx context.Context, job *async.JobRecord, cause error) error {
	kind := async.ClassifyError(cause)
	return c.settle(ctx, job, func(j *async.JobRecord, now time.Time) error {
		return j.Fail(kind, cause.Error(), now)
	})
}

// Cancel marks the record Cancelled and discards staging
func (c *Coordinator) Cancel(ctx context.Context, job *async.JobRecord, reason string) error {
	return c.settle(ctx, job, func(j *async.JobRecord, now time.Time) error {
		return j.Cancel(reason, now)
	})
}

func (c *Coordinator) settle(ctx context.Context, job *async.JobRecord, transition func(*async.JobRecord, time.Time) error) error {
	updated, err := c.store.UpdateJobWithRetry(ctx, job.ID, func(j *async.JobRecord) error {
		if err := owned(j, job.Owner); err != nil {
			return err
		}
		return transition(j, c.timeNow())
	})
	if err != nil {
		return errors.Wrapf(err, "failed to settle job %d", job.ID)
	}
	*job = *updated

	staging := c.layout.JobStaging(job.ID)
	if err := c.blobs.Delete(ctx, staging); err != nil {
		c.logger.Warnw("Failed to discard staged output",
			logger.FieldJobID, job.ID,
			logger.FieldPath, staging,
			logger.FieldError, err)
	}
	c.logger.Infow("Job settled",
		logger.FieldJobID, job.ID,
		logger.FieldStatus, job.Status,
		logger.FieldErrorKind, job.Result.ErrorKind)
	return nil
}

// Committed is the published output of one Completed job
type Committed struct {
	JobID        int64
	ResourceType string
	Window       async.DataPeriod
	Prefix       string
	Files        []string
}

// ListCommitted returns the output of the most recent Completed processing
// jobs. Prefixes of jobs in any other state are never returned.
func (c *Coordinator) ListCommitted(ctx context.Context, limit int) ([]Committed, error) {
	status := async.JobStatusCompleted
	jobs, err := c.store.ListJobs(ctx, &status, limit)
	if err != nil {
		return nil, err
	}

	var out []Committed
	for _, j := range jobs {
		if j.Kind() != async.KindProcessing || j.Result.ResultPrefix == "" {
			continue
		}
		files, err := c.blobs.List(ctx, j.Result.ResultPrefix)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list output of job %d", j.ID)
		}
		out = append(out, Committed{
			JobID:        j.ID,
			ResourceType: j.Definition.ResourceType,
			Window:       j.Definition.Window,
			Prefix:       j.Result.ResultPrefix,
			Files:        files,
		})
	}
	return out, nil
}

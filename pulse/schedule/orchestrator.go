// Package schedule drives the orchestration loop: each tick takes the
// scheduling lock, requeues abandoned work, opens the next uncovered window
// and tracks its group of processing jobs until the watermark can advance.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/lock"
	"github.com/teranos/fhirlake/sym"
)

// Config is the static orchestration policy, immutable after construction
type Config struct {
	QueueType     string
	ResourceTypes []string
	Filters       map[string]string

	Start       time.Time     // first instant to extract
	End         time.Time     // zero = open ended, windows follow now
	Granularity time.Duration // window width is truncated to a multiple of this

	// MaxQueuedJobCountPerOrchestration bounds non-terminal processing jobs per group (0 = unbounded)
	MaxQueuedJobCountPerOrchestration int

	LockDuration time.Duration
}

// ConfigFromAM builds the orchestration policy from loaded configuration
func ConfigFromAM(cfg *am.Config) (Config, error) {
	start, end, err := cfg.Processing.Bounds()
	if err != nil {
		return Config{}, err
	}
	return Config{
		QueueType:                         cfg.Pulse.QueueType,
		ResourceTypes:                     cfg.Processing.ResourceTypes,
		Filters:                           cfg.Processing.Filters,
		Start:                             start,
		End:                               end,
		Granularity:                       cfg.Processing.Granularity(),
		MaxQueuedJobCountPerOrchestration: cfg.Pulse.MaxQueuedJobCountPerOrchestration,
		LockDuration:                      cfg.Pulse.LockDuration(),
	}, nil
}

// TickResult reports what one tick did
type TickResult struct {
	LockContended     bool
	Swept             int
	OrchestratorID    int64
	Window            *async.DataPeriod
	Created           int
	Outcome           async.JobStatus // status of the orchestrator record after the tick
	WatermarkAdvanced bool
}

// Orchestrator runs scheduling ticks against the job store and queue
type Orchestrator struct {
	store    *async.Store
	queue    async.Queue
	lock     lock.JobLock
	meta     *MetadataStore
	cfg      Config
	holderID string
	logger   *zap.SugaredLogger
	timeNow  func() time.Time
}

// NewOrchestrator creates an orchestrator. Each instance acquires the lock
// under its own holder id.
func NewOrchestrator(store *async.Store, queue async.Queue, jobLock lock.JobLock, meta *MetadataStore, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = logger.Logger
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = time.Minute
	}
	return &Orchestrator{
		store:    store,
		queue:    queue,
		lock:     jobLock,
		meta:     meta,
		cfg:      cfg,
		holderID: "orchestrator-" + uuid.NewString()[:8],
		logger:   logger.AddPulseSymbol(log.Named("orchestrator")),
		timeNow:  time.Now,
	}
}

// SetClock replaces time.Now (tests)
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.timeNow = now
}

// HolderID returns the lock holder id of this orchestrator
func (o *Orchestrator) HolderID() string {
	return o.holderID
}

// Tick runs one scheduling round. Lock contention is not an error: the tick
// returns with LockContended set and nothing mutated.
func (o *Orchestrator) Tick(ctx context.Context) (*TickResult, error) {
	now := o.timeNow().UTC()
	res := &TickResult{}

	lease, err := o.lock.Acquire(ctx, o.holderID, o.cfg.LockDuration)
	if errors.Is(err, lock.ErrAlreadyHeld) {
		res.LockContended = true
		return res, nil
	}
	if err != nil {
		return res, errors.Wrap(err, "failed to acquire scheduling lock")
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.lock.Release(rctx, lease); err != nil {
			o.logger.Warnw("Failed to release scheduling lock", logger.FieldError, err)
		}
	}()

	if res.Swept, err = o.sweep(ctx, now); err != nil {
		return res, err
	}
	if err := o.checkpoint(ctx, lease); err != nil {
		return res, err
	}

	orch, err := o.store.FindActiveOrchestratorJob(ctx)
	if err != nil {
		return res, err
	}
	if orch == nil {
		window, ok, err := o.nextWindow(ctx, now)
		if err != nil || !ok {
			return res, err
		}
		if orch, err = o.openWindow(ctx, window); err != nil {
			return res, err
		}
	}
	res.OrchestratorID = orch.ID
	res.Window = &orch.Definition.Window
	if err := o.checkpoint(ctx, lease); err != nil {
		return res, err
	}

	if !orch.CancelRequested {
		if res.Created, err = o.fanOut(ctx, orch); err != nil {
			return res, err
		}
		if err := o.checkpoint(ctx, lease); err != nil {
			return res, err
		}
	}

	orch, res.WatermarkAdvanced, err = o.track(ctx, orch)
	if err != nil {
		return res, err
	}
	res.Outcome = orch.Status
	return res, nil
}

// checkpoint renews the lease between phases and aborts the tick once it is lost
func (o *Orchestrator) checkpoint(ctx context.Context, lease *lock.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.lock.Renew(ctx, lease, o.cfg.LockDuration); err != nil {
		return errors.Wrap(err, "scheduling lock lost mid-tick")
	}
	return nil
}

// sweep re-enqueues processing records whose worker went silent and Created
// records whose message was lost. Records are never recreated.
func (o *Orchestrator) sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := o.store.ListStaleJobs(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale jobs")
	}
	swept := 0
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if err := o.enqueue(ctx, job); err != nil {
			if errors.IsConflictError(err) {
				// record moved since listing; the next sweep re-evaluates it
				continue
			}
			return swept, err
		}
		o.logger.Infow("Re-enqueued abandoned job",
			logger.FieldJobID, job.ID,
			logger.FieldStatus, job.Status,
			logger.FieldResourceType, job.Definition.ResourceType,
			"enqueue_count", job.EnqueueCount)
		swept++
	}
	return swept, nil
}

// nextWindow computes [watermark, min(now, End)) truncated to the granularity.
// The final window before End may be narrower than the granularity.
func (o *Orchestrator) nextWindow(ctx context.Context, now time.Time) (async.DataPeriod, bool, error) {
	md, err := o.meta.Get(ctx, o.cfg.QueueType)
	if err != nil {
		return async.DataPeriod{}, false, err
	}

	start := o.cfg.Start
	if md.LastWatermark != nil && md.LastWatermark.After(start) {
		start = *md.LastWatermark
	}
	end := now
	clamped := false
	if !o.cfg.End.IsZero() && !o.cfg.End.After(now) {
		end = o.cfg.End
		clamped = true
	}
	if !clamped && o.cfg.Granularity > 0 {
		end = start.Add(end.Sub(start).Truncate(o.cfg.Granularity))
	}
	if !start.Before(end) {
		return async.DataPeriod{}, false, nil
	}
	window, err := async.NewDataPeriod(start, end)
	if err != nil {
		return async.DataPeriod{}, false, err
	}
	return window, true, nil
}

// openWindow creates the orchestrator record of a window under a fresh group
// and marks it Running
func (o *Orchestrator) openWindow(ctx context.Context, window async.DataPeriod) (*async.JobRecord, error) {
	def := async.NewOrchestratorDefinition(o.cfg.ResourceTypes, window)
	orch, err := o.store.CreateJob(ctx, def, uuid.NewString(), 0)
	if err != nil && !errors.Is(err, async.ErrDuplicateJob) {
		return nil, errors.Wrapf(err, "failed to create orchestrator job for %s", window)
	}

	orch, err = o.store.UpdateJobWithRetry(ctx, orch.ID, func(j *async.JobRecord) error {
		if j.Status == async.JobStatusCreated {
			return j.Start(o.holderID, o.timeNow().UTC())
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start orchestrator job for %s", window)
	}

	o.logger.Infow(fmt.Sprintf("%s Opened window %s", sym.PulseOpen, window),
		logger.FieldJobID, orch.ID,
		logger.FieldGroupID, orch.GroupID,
		logger.FieldWindowStart, window.Start,
		logger.FieldWindowEnd, window.End)
	return orch, nil
}

// fanOut creates the missing processing records of the group, keeping at most
// MaxQueuedJobCountPerOrchestration of them non-terminal, and enqueues one
// message per created record.
func (o *Orchestrator) fanOut(ctx context.Context, orch *async.JobRecord) (int, error) {
	children, err := o.children(ctx, orch)
	if err != nil {
		return 0, err
	}
	covered := make(map[string]bool, len(children))
	active := 0
	for _, c := range children {
		covered[c.Definition.ResourceType] = true
		if !c.Status.IsTerminal() {
			active++
		}
	}

	limit := o.cfg.MaxQueuedJobCountPerOrchestration
	var created []int64
	for _, rt := range orch.Definition.ResourceTypes {
		if covered[rt] {
			continue
		}
		if limit > 0 && active >= limit {
			break
		}
		def := async.NewProcessingDefinition(rt, orch.Definition.Window, o.cfg.Filters)
		job, err := o.store.CreateJob(ctx, def, orch.GroupID, orch.Priority)
		if errors.Is(err, async.ErrDuplicateJob) {
			// still active under an earlier group; retried once that record settles
			o.logger.Debugw("Skipping resource type with active duplicate",
				logger.FieldResourceType, rt,
				logger.FieldJobID, job.ID,
				logger.FieldGroupID, job.GroupID)
			continue
		}
		if err != nil {
			return len(created), errors.Wrapf(err, "failed to create %s job", rt)
		}
		created = append(created, job.ID)
		active++

		if err := o.enqueue(ctx, job); err != nil {
			// the record stays Created without an enqueue stamp; the sweep picks it up
			o.logger.Warnw("Failed to enqueue new job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}

	if len(created) == 0 {
		return 0, nil
	}
	_, err = o.store.UpdateJobWithRetry(ctx, orch.ID, func(j *async.JobRecord) error {
		j.Result.ChildJobIDs = append(j.Result.ChildJobIDs, created...)
		return nil
	})
	if err != nil {
		return len(created), errors.Wrap(err, "failed to record child jobs")
	}
	o.logger.Infow("Fanned out processing jobs",
		logger.FieldJobID, orch.ID,
		logger.FieldGroupID, orch.GroupID,
		logger.FieldCount, len(created))
	return len(created), nil
}

// track settles the orchestrator record once its group is decided. The
// watermark is advanced only when every resource type has a Completed job.
func (o *Orchestrator) track(ctx context.Context, orch *async.JobRecord) (*async.JobRecord, bool, error) {
	orch, err := o.store.GetJob(ctx, orch.ID)
	if err != nil {
		return nil, false, err
	}
	children, err := o.children(ctx, orch)
	if err != nil {
		return nil, false, err
	}
	log := o.logger.With(logger.FieldJobID, orch.ID, logger.FieldGroupID, orch.GroupID)

	if orch.CancelRequested {
		o.cancelChildren(ctx, children)
		orch, err := o.finish(ctx, orch.ID, func(j *async.JobRecord, now time.Time) error {
			return j.Cancel("orchestration cancelled", now)
		})
		if err == nil {
			log.Infow(sym.PulseClose + " Orchestration cancelled")
		}
		return orch, false, err
	}

	for _, c := range children {
		if c.Status != async.JobStatusFailed && c.Status != async.JobStatusCancelled {
			continue
		}
		o.cancelChildren(ctx, children)
		reason := fmt.Sprintf("%s job %d %s: %s", c.Definition.ResourceType, c.ID, c.Status, c.Result.Reason)
		kind := c.Result.ErrorKind
		if kind == "" {
			kind = async.ErrorKindUnknown
		}
		orch, err := o.finish(ctx, orch.ID, func(j *async.JobRecord, now time.Time) error {
			return j.Fail(kind, reason, now)
		})
		if err == nil {
			log.Warnw(sym.PulseClose+" Orchestration failed, window will be re-covered",
				logger.FieldErrorKind, kind,
				"reason", reason)
		}
		return orch, false, err
	}

	completed := make(map[string]bool, len(children))
	for _, c := range children {
		if c.Status == async.JobStatusCompleted {
			completed[c.Definition.ResourceType] = true
		}
	}
	for _, rt := range orch.Definition.ResourceTypes {
		if !completed[rt] {
			return orch, false, nil
		}
	}

	window := orch.Definition.Window
	advanced := true
	err = o.meta.AdvanceWatermark(ctx, o.cfg.QueueType, window.Start, window.End)
	if errors.Is(err, ErrWatermarkMoved) {
		md, getErr := o.meta.Get(ctx, o.cfg.QueueType)
		if getErr != nil {
			return orch, false, getErr
		}
		if md.LastWatermark == nil || md.LastWatermark.Before(window.End) {
			return orch, false, errors.NewAssertionErrorWithWrappedErrf(err, "orchestrator %d: watermark diverged from window %s", orch.ID, window)
		}
		// an earlier tick advanced it before settling the record
		advanced = false
		err = nil
	}
	if err != nil {
		return orch, false, err
	}

	orch, err = o.finish(ctx, orch.ID, func(j *async.JobRecord, now time.Time) error {
		return j.Complete(now)
	})
	if err != nil {
		return nil, advanced, err
	}
	log.Infow(fmt.Sprintf("%s Window %s completed, watermark advanced", sym.PulseClose, window),
		logger.FieldWindowEnd, window.End)
	return orch, advanced, nil
}

// finish applies a terminal transition to the orchestrator record
func (o *Orchestrator) finish(ctx context.Context, id int64, transition func(*async.JobRecord, time.Time) error) (*async.JobRecord, error) {
	job, err := o.store.UpdateJobWithRetry(ctx, id, func(j *async.JobRecord) error {
		return transition(j, o.timeNow().UTC())
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to settle orchestrator job %d", id)
	}
	return job, nil
}

// cancelChildren requests cancellation of every non-terminal job of the group.
// Running jobs stop at their next page boundary; Created ones never start.
func (o *Orchestrator) cancelChildren(ctx context.Context, children []*async.JobRecord) {
	for _, c := range children {
		if c.Status.IsTerminal() || c.CancelRequested {
			continue
		}
		if _, err := o.store.RequestCancel(ctx, c.ID); err != nil {
			o.logger.Warnw("Failed to request cancellation", logger.FieldJobID, c.ID, logger.FieldError, err)
		}
	}
}

// children returns the processing records of the orchestrator's group
func (o *Orchestrator) children(ctx context.Context, orch *async.JobRecord) ([]*async.JobRecord, error) {
	group, err := o.store.ListJobsByGroup(ctx, orch.GroupID)
	if err != nil {
		return nil, err
	}
	children := group[:0]
	for _, j := range group {
		if j.Kind() == async.KindProcessing {
			children = append(children, j)
		}
	}
	return children, nil
}

// enqueue sends the wakeup message of a record and stamps the enqueue bookkeeping
func (o *Orchestrator) enqueue(ctx context.Context, job *async.JobRecord) error {
	if err := o.queue.Enqueue(ctx, async.MessageForJob(job)); err != nil {
		return errors.Wrapf(err, "failed to enqueue job %d", job.ID)
	}
	return o.store.MarkEnqueued(ctx, job)
}

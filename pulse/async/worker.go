package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/metrics"
	"github.com/teranos/fhirlake/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`               // Number of concurrent workers
	PollInterval       time.Duration `json:"poll_interval"`         // How often an idle worker polls the queue
	VisibilityTimeout  time.Duration `json:"visibility_timeout"`    // Message hidden for this long per dequeue and keep-alive
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`    // Liveness refresh while executing
	MaxRunningJobCount int           `json:"max_running_job_count"` // System-wide Running processing jobs (0 = unbounded)
	DeferDelay         time.Duration `json:"defer_delay"`           // Message delay when capacity is full or the record is owned
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`      // Stop waits this long for workers to checkpoint
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:            1,
		PollInterval:       time.Second,
		VisibilityTimeout:  2 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		MaxRunningJobCount: 4,
		DeferDelay:         10 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}

// WorkerPoolConfigFromAM derives the pool configuration from the pulse section
func WorkerPoolConfigFromAM(cfg am.PulseConfig) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	pc.Workers = cfg.Workers
	pc.VisibilityTimeout = cfg.VisibilityTimeout()
	pc.HeartbeatInterval = cfg.HeartbeatInterval()
	pc.MaxRunningJobCount = cfg.MaxRunningJobCount
	return pc
}

const (
	// releaseBackoffBase is the redelivery delay after a first failed attempt
	releaseBackoffBase = time.Second
	// releaseBackoffMax caps the redelivery delay
	releaseBackoffMax = time.Minute
	// settleTimeout bounds store and queue writes made after the task context ended
	settleTimeout = 10 * time.Second
)

// WorkerPool manages a pool of workers that drain the job queue
type WorkerPool struct {
	queue     Queue
	store     *Store
	handler   JobHandler
	metrics   metrics.Sink
	config    WorkerPoolConfig
	workerID  string
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group

	activeWorkers int
	jobsProcessed int
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool. sink may be nil.
func NewWorkerPool(ctx context.Context, store *Store, queue Queue, handler JobHandler, cfg WorkerPoolConfig, sink metrics.Sink, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     queue,
		store:     store,
		handler:   handler,
		metrics:   sink,
		config:    cfg,
		workerID:  uuid.NewString()[:8],
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		group:     &errgroup.Group{},
		logger:    pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
}

// Start spawns the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	// Recreate the context if a previous Stop cancelled it
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.config.Workers)
	}

	group, ctx := errgroup.WithContext(wp.ctx)
	wp.group = group
	for i := 0; i < wp.config.Workers; i++ {
		id := i
		group.Go(func() error {
			wp.worker(ctx, id)
			return nil
		})
	}
	wp.logger.Starting("Worker pool started", "workers", wp.config.Workers, logger.FieldWorkerID, wp.workerID)
}

// Stop cancels the workers and waits for running jobs to checkpoint.
// Jobs interrupted here stay Running and resume on redelivery.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	group := wp.group
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	timeout := wp.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be checkpointing", "timeout", timeout)
	}
}

// worker polls the queue until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	interval := wp.config.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain without waiting for the next tick while messages are visible
			for {
				handled, err := wp.ProcessNext(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
						return
					}
					errorCount++
					wp.logger.Errorw("Worker error processing message",
						"worker", id,
						"error", err,
						"consecutive_errors", errorCount)

					if errorCount >= maxConsecutiveErrors {
						wp.logger.Warnw("Worker backing off due to consecutive errors",
							"worker", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						select {
						case <-ctx.Done():
							return
						case <-time.After(backoffDuration):
						}
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
					break
				}
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				if !handled || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessNext dequeues one message and handles it. It reports whether a
// message was received.
func (wp *WorkerPool) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	d, err := wp.queue.Dequeue(ctx, wp.config.VisibilityTimeout)
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue message")
	}
	if d == nil {
		return false, nil
	}

	id, err := d.JobID()
	if err != nil {
		// poison message, nothing can ever execute it
		wp.ack(ctx, d)
		return true, err
	}

	job, err := wp.store.GetJob(ctx, id)
	if errors.IsNotFoundError(err) {
		wp.logger.Warnw("Message points at a missing record, dropping", logger.FieldJobID, id)
		wp.ack(ctx, d)
		return true, nil
	}
	if err != nil {
		return true, err
	}

	if job.Status.IsTerminal() {
		wp.ack(ctx, d)
		return true, nil
	}

	switch job.Kind() {
	case KindProcessing:
		return true, wp.runProcessing(ctx, d, job)
	case KindOrchestrator:
		// orchestrator records are driven by scheduler ticks, not by workers
		wp.ack(ctx, d)
		return true, nil
	default:
		wp.ack(ctx, d)
		return true, errors.AssertionFailedf("job %d has unknown kind %q", job.ID, job.Kind())
	}
}

// runProcessing claims a processing record, executes it with a heartbeat
// running alongside, and settles the message according to the outcome.
func (wp *WorkerPool) runProcessing(ctx context.Context, d *Delivery, job *JobRecord) error {
	log := wp.logger.With(logger.FieldJobID, job.ID, logger.FieldResourceType, job.Definition.ResourceType)

	if job.Status == JobStatusCreated && job.CancelRequested {
		if _, err := wp.store.UpdateJobWithRetry(ctx, job.ID, func(j *JobRecord) error {
			return j.Cancel("cancelled before start", wp.store.now())
		}); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		log.Infow("Job cancelled before start")
		wp.ack(ctx, d)
		return nil
	}

	owner := wp.workerID + "-" + uuid.NewString()[:8]
	claimed, err := wp.store.ClaimJob(ctx, job.ID, owner, wp.config.MaxRunningJobCount)
	switch {
	case errors.IsAny(err, ErrCapacity, ErrJobOwned):
		log.Debugw("Deferring message", "reason", err)
		return wp.release(ctx, d, wp.config.DeferDelay)
	case errors.Is(err, ErrInvalidTransition):
		wp.ack(ctx, d)
		return nil
	case err != nil:
		return errors.Wrapf(err, "failed to claim job %d", job.ID)
	}

	if job.Status == JobStatusRunning {
		log.Infow(sym.PulseOpen+" Resuming job from checkpoint", logger.FieldOwner, owner, "enqueue_count", claimed.EnqueueCount)
	} else {
		log.Infow("Job started", logger.FieldOwner, owner)
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	taskCtx, cancel := context.WithCancelCause(ctx)
	if claimed.CancelRequested {
		// requested while the record was Running without a live worker
		cancel(errors.Wrapf(ErrCancelRequested, "job %d", claimed.ID))
	}
	hbDone := make(chan struct{})
	go wp.keepAlive(taskCtx, cancel, claimed.ID, owner, d.Handle, hbDone)

	execErr := wp.handler.Execute(taskCtx, claimed)
	cancel(nil)
	<-hbDone

	return wp.settle(ctx, d, claimed, owner, execErr)
}

// keepAlive refreshes the record heartbeat and the message visibility until
// ctx ends. Cancel requests and lease loss cancel the task with a cause.
func (wp *WorkerPool) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, id int64, owner string, h Handle, done chan<- struct{}) {
	defer close(done)

	interval := wp.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cancelRequested, err := wp.store.Heartbeat(ctx, id, owner)
		switch {
		case errors.Is(err, ErrLeaseLost):
			cancel(err)
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			wp.logger.Warnw("Heartbeat failed", logger.FieldJobID, id, logger.FieldError, err)
			continue
		case cancelRequested:
			cancel(errors.Wrapf(ErrCancelRequested, "job %d", id))
			return
		}

		if err := wp.queue.UpdateVisibility(ctx, h, wp.config.VisibilityTimeout); err != nil && ctx.Err() == nil {
			// the record lease is authoritative; a lost message only means a duplicate delivery
			wp.logger.Debugw("Failed to extend message visibility", logger.FieldJobID, id, logger.FieldError, err)
		}
	}
}

// settle acks or releases the message after the handler returned
func (wp *WorkerPool) settle(ctx context.Context, d *Delivery, job *JobRecord, owner string, execErr error) error {
	// ctx may be cancelled by shutdown; settlement must still reach the store
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	log := pulseLogger{wp.logger.With(logger.FieldJobID, job.ID, logger.FieldOwner, owner)}

	switch {
	case execErr == nil:
		wp.ack(sctx, d)
		wp.recordOutcome(sctx, job.ID)
		return nil

	case errors.Is(execErr, ErrInterrupted):
		log.Closing("Job interrupted, leaving it Running with its checkpoint")
		if err := wp.store.ReleaseJob(sctx, job.ID, owner); err != nil {
			log.Warnw("Failed to release interrupted job", logger.FieldError, err)
		}
		return wp.release(sctx, d, 0)

	case errors.Is(execErr, ErrLeaseLost):
		log.Warnw("Lease lost, abandoning execution", logger.FieldError, execErr)
		wp.metrics.ErrorClassified(sctx, string(ErrorKindHeartbeatTimeout))
		wp.ack(sctx, d)
		return nil

	case errors.Is(execErr, ErrCommitPending):
		log.Warnw("Commit pending, will retry publication", logger.FieldError, execErr)
		return wp.release(sctx, d, redeliveryBackoff(d.DequeueCount))

	default:
		kind := ClassifyError(execErr)
		wp.metrics.ErrorClassified(sctx, string(kind))
		log.Errorw("Job execution failed without settling the record",
			logger.FieldError, execErr,
			logger.FieldErrorKind, kind)
		if err := wp.store.ReleaseJob(sctx, job.ID, owner); err != nil {
			log.Warnw("Failed to release job", logger.FieldError, err)
		}
		if err := wp.release(sctx, d, redeliveryBackoff(d.DequeueCount)); err != nil {
			return err
		}
		return errors.Wrapf(execErr, "job %d", job.ID)
	}
}

// recordOutcome reports a settled record to the metrics sink
func (wp *WorkerPool) recordOutcome(ctx context.Context, id int64) {
	job, err := wp.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	var elapsed time.Duration
	if job.StartDate != nil && job.EndDate != nil {
		elapsed = job.EndDate.Sub(*job.StartDate)
	}
	rt := job.Definition.ResourceType
	p := job.Result.Progress(rt)
	wp.metrics.ResourcesProcessed(ctx, rt, p.ProcessedCount, p.SkippedCount)
	if job.Status.IsTerminal() {
		wp.metrics.JobFinished(ctx, string(job.Kind()), string(job.Status), string(job.Result.ErrorKind), elapsed)
		if job.Result.ErrorKind != "" && job.Status == JobStatusFailed {
			wp.metrics.ErrorClassified(ctx, string(job.Result.ErrorKind))
		}
	}
	wp.logger.Pulse(fmt.Sprintf("%s Job %d %s", sym.Pulse, job.ID, job.Status),
		logger.FieldJobID, job.ID,
		logger.FieldStatus, job.Status,
		logger.FieldResourceType, rt,
		logger.FieldCount, p.ProcessedCount)
}

func (wp *WorkerPool) ack(ctx context.Context, d *Delivery) {
	if err := wp.queue.Ack(ctx, d.Handle); err != nil && !errors.Is(err, ErrMessageNotFound) {
		wp.logger.Warnw("Failed to ack message", logger.FieldMessageID, d.Handle.MessageID, logger.FieldError, err)
	}
}

func (wp *WorkerPool) release(ctx context.Context, d *Delivery, delay time.Duration) error {
	err := wp.queue.UpdateVisibility(ctx, d.Handle, delay)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	return err
}

// redeliveryBackoff doubles per dequeue, capped at releaseBackoffMax
func redeliveryBackoff(dequeueCount int) time.Duration {
	d := releaseBackoffBase
	for i := 1; i < dequeueCount && d < releaseBackoffMax; i++ {
		d *= 2
	}
	return min(d, releaseBackoffMax)
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.config.Workers
}

// WorkerID returns the prefix of the owner ids this pool claims records with
func (wp *WorkerPool) WorkerID() string {
	return wp.workerID
}

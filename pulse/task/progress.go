package task

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
)

// ErrUpdaterStopped is returned by Send once the updater loop has exited
var ErrUpdaterStopped = errors.New("progress updater stopped")

// ProgressUpdater folds TaskContext snapshots into the owning record.
//
// Any number of producers call Send; one Run loop consumes in FIFO order, so
// the checkpointed continuation token of a resource type never regresses.
// The record is persisted every `every` snapshots and on Close. Cancelling
// Run's context kills the loop without a final write.
type ProgressUpdater struct {
	store  *async.Store
	job    *async.JobRecord // working copy, owned by Run
	owner  string
	every  int
	logger *zap.SugaredLogger

	latest      map[string]async.ResourceProgress
	pending     int
	checkpoints int

	ch        chan Snapshot
	done      chan struct{}
	closeOnce sync.Once
	err       error // written by Run before done is closed
}

// NewProgressUpdater creates an updater for a claimed record. every <= 0 persists each snapshot.
func NewProgressUpdater(store *async.Store, job *async.JobRecord, every int, log *zap.SugaredLogger) (*ProgressUpdater, error) {
	if every <= 0 {
		every = 1
	}
	if log == nil {
		log = logger.Logger
	}
	working, err := cloneRecord(job)
	if err != nil {
		return nil, err
	}
	return &ProgressUpdater{
		store:  store,
		job:    working,
		owner:  job.Owner,
		every:  every,
		logger: log.Named("progress").With(logger.FieldJobID, job.ID),
		latest: make(map[string]async.ResourceProgress),
		ch:     make(chan Snapshot),
		done:   make(chan struct{}),
	}, nil
}

// Send hands a snapshot to the loop. It blocks until the loop takes it, or
// returns the loop's error once it has exited.
func (u *ProgressUpdater) Send(s Snapshot) error {
	select {
	case u.ch <- s:
		return nil
	case <-u.done:
		if u.err != nil {
			return u.err
		}
		return ErrUpdaterStopped
	}
}

// Run consumes snapshots until Close or ctx cancellation
func (u *ProgressUpdater) Run(ctx context.Context) error {
	defer close(u.done)
	for {
		if ctx.Err() != nil {
			u.err = u.killed(ctx)
			return u.err
		}
		select {
		case <-ctx.Done():
			u.err = u.killed(ctx)
			return u.err
		case s, ok := <-u.ch:
			if !ok {
				if ctx.Err() != nil {
					u.err = u.killed(ctx)
					return u.err
				}
				u.err = u.flush(ctx)
				return u.err
			}
			u.apply(s)
			if u.pending >= u.every {
				if err := u.flush(ctx); err != nil {
					u.err = err
					return err
				}
			}
		}
	}
}

func (u *ProgressUpdater) killed(ctx context.Context) error {
	if u.pending > 0 {
		u.logger.Debugw("Progress updater killed with unsaved snapshots", "pending", u.pending)
	}
	return errors.Wrapf(ctx.Err(), "progress updater of job %d killed", u.job.ID)
}

// Close stops accepting snapshots, waits for the final write and returns the
// loop's error. Only one producer may call Close, after its last Send.
func (u *ProgressUpdater) Close() error {
	u.closeOnce.Do(func() { close(u.ch) })
	<-u.done
	return u.err
}

// Checkpoints returns the number of successful writes (valid after Close)
func (u *ProgressUpdater) Checkpoints() int {
	return u.checkpoints
}

func (u *ProgressUpdater) apply(s Snapshot) {
	u.latest[s.ResourceType] = s.Progress
	u.job.Result.SetProgress(s.ResourceType, s.Progress)
	u.pending++
}

// flush writes the working copy. A version conflict re-reads the record: if it
// is still Running under our owner the folded progress is reapplied once,
// otherwise the lease is gone.
func (u *ProgressUpdater) flush(ctx context.Context) error {
	if u.pending == 0 {
		return nil
	}

	err := u.store.UpdateJob(ctx, u.job)
	if errors.IsConflictError(err) {
		fresh, gerr := u.store.GetJob(ctx, u.job.ID)
		if gerr != nil {
			return errors.Wrapf(gerr, "failed to re-read job %d after conflict", u.job.ID)
		}
		if fresh.Status != async.JobStatusRunning || fresh.Owner != u.owner {
			return errors.Wrapf(async.ErrLeaseLost, "job %d is %s under %q", fresh.ID, fresh.Status, fresh.Owner)
		}
		for rt, p := range u.latest {
			fresh.Result.SetProgress(rt, p)
		}
		u.job = fresh
		err = u.store.UpdateJob(ctx, u.job)
		if errors.IsConflictError(err) {
			return errors.NewAssertionErrorWithWrappedErrf(err, "job %d: checkpoint conflict persisted after re-read", u.job.ID)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to checkpoint job %d", u.job.ID)
	}

	u.pending = 0
	u.checkpoints++
	u.logger.Debugw("Checkpoint saved", logger.FieldVersion, u.job.Version, "checkpoints", u.checkpoints)
	return nil
}

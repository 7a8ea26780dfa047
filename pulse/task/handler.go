package task

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/commit"
)

// Handler runs processing jobs for the worker pool: the executor stages the
// output, the coordinator publishes it or settles the record as failed
type Handler struct {
	executor *Executor
	commit   *commit.Coordinator
	logger   *zap.SugaredLogger
}

var _ async.JobHandler = (*Handler)(nil)

// NewHandler creates a handler. log may be nil.
func NewHandler(executor *Executor, coord *commit.Coordinator, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = logger.Logger
	}
	return &Handler{executor: executor, commit: coord, logger: log.Named("task")}
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.JobRecord) error {
	_, err := h.executor.Run(ctx, job)

	// settlement outlives shutdown; ownership is checked by the coordinator
	sctx := context.WithoutCancel(ctx)
	if err != nil && ctx.Err() != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		// a collaborator returned the shutdown itself instead of a stop cause
		err = stopCause(ctx, job.ID)
	}
	switch {
	case err == nil:
		return h.commit.Commit(sctx, job)
	case errors.IsAny(err, async.ErrInterrupted, async.ErrLeaseLost):
		return err
	case errors.Is(err, async.ErrCancelRequested):
		return h.commit.Cancel(sctx, job, "cancellation requested")
	default:
		h.logger.Errorw("Job failed",
			logger.FieldJobID, job.ID,
			logger.FieldResourceType, job.Definition.ResourceType,
			logger.FieldErrorKind, async.ClassifyError(err),
			logger.FieldError, err)
		return h.commit.Fail(sctx, job, err)
	}
}

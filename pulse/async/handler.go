package async

import "context"

// JobHandler executes a claimed processing record.
//
// The handler owns the record's terminal transition: it returns nil once the
// record is Completed, Failed or Cancelled, and the worker acks the message.
// A non-nil error leaves the record Running and makes the worker release the
// message for redelivery:
//   - ErrInterrupted: shutdown, resume from the last checkpoint
//   - ErrCommitPending: staged output complete, publication to be retried
//   - ErrLeaseLost: another delivery took over; the message is acked
//
// Context cancellation: handlers check ctx at page boundaries and read
// context.Cause to tell shutdown, cancel requests and lease loss apart.
type JobHandler interface {
	Execute(ctx context.Context, job *JobRecord) error
}

// JobHandlerFunc adapts a function to JobHandler
type JobHandlerFunc func(ctx context.Context, job *JobRecord) error

// Execute calls f
func (f JobHandlerFunc) Execute(ctx context.Context, job *JobRecord) error {
	return f(ctx, job)
}

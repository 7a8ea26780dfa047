package async

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/fhirlake/errors"
)

// Message points at a job record. It carries no job state; consumers always
// re-read the record it names.
type Message struct {
	RecordPartition string `json:"record_partition"` // queue type of the record
	RecordRow       string `json:"record_row"`       // zero-padded job id
}

// MessageForJob builds the wakeup message of a record
func MessageForJob(job *JobRecord) Message {
	return Message{
		RecordPartition: job.QueueType,
		RecordRow:       fmt.Sprintf("%020d", job.ID),
	}
}

// JobID parses the record id out of RecordRow
func (m Message) JobID() (int64, error) {
	id, err := strconv.ParseInt(m.RecordRow, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed record row %q", m.RecordRow)
	}
	return id, nil
}

// Handle identifies one delivery of a message. The pop receipt changes on
// every dequeue, so a handle from an earlier delivery can no longer ack.
type Handle struct {
	MessageID  string
	PopReceipt string
}

// Delivery is a dequeued message and the handle needed to ack it
type Delivery struct {
	Message
	Handle       Handle
	DequeueCount int
}

// Queue is at-least-once delivery of job messages with a visibility timeout
type Queue interface {
	// Enqueue adds a message that becomes visible immediately
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue hides the next visible message for visibility and returns it,
	// or nil when nothing is visible
	Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error)

	// Ack permanently removes a delivered message
	Ack(ctx context.Context, h Handle) error

	// UpdateVisibility hides a delivered message for delay from now.
	// Zero makes it visible again immediately.
	UpdateVisibility(ctx context.Context, h Handle, delay time.Duration) error
}

// SQLiteQueue stores messages in the job_messages table
type SQLiteQueue struct {
	db        *sql.DB
	queueType string
	timeNow   func() time.Time
}

// NewSQLiteQueue creates a queue over the job_messages table
func NewSQLiteQueue(db *sql.DB, queueType string) *SQLiteQueue {
	return &SQLiteQueue{db: db, queueType: queueType, timeNow: time.Now}
}

// SetClock replaces time.Now (tests)
func (q *SQLiteQueue) SetClock(now func() time.Time) {
	q.timeNow = now
}

// Enqueue adds a message
func (q *SQLiteQueue) Enqueue(ctx context.Context, msg Message) error {
	now := q.timeNow().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO job_messages (message_id, queue_type, record_partition, record_row, enqueued_at, visible_at, dequeue_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		uuid.NewString(), q.queueType, msg.RecordPartition, msg.RecordRow, now, now)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue message")
		return errors.WithDetail(err, fmt.Sprintf("Record: %s/%s", msg.RecordPartition, msg.RecordRow))
	}
	return nil
}

// Dequeue claims the oldest visible message in a single statement, so two
// consumers can never receive the same delivery.
func (q *SQLiteQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := q.timeNow()
	receipt := uuid.NewString()

	var d Delivery
	err := q.db.QueryRowContext(ctx, `
		UPDATE job_messages
		SET visible_at = ?, pop_receipt = ?, dequeue_count = dequeue_count + 1
		WHERE message_id = (
			SELECT message_id FROM job_messages
			WHERE queue_type = ? AND visible_at <= ?
			ORDER BY visible_at, enqueued_at
			LIMIT 1
		)
		RETURNING message_id, record_partition, record_row, dequeue_count`,
		now.Add(visibility).UnixMilli(), receipt, q.queueType, now.UnixMilli(),
	).Scan(&d.Handle.MessageID, &d.RecordPartition, &d.RecordRow, &d.DequeueCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue message")
	}
	d.Handle.PopReceipt = receipt
	return &d, nil
}

// Ack deletes the message if the receipt is still current
func (q *SQLiteQueue) Ack(ctx context.Context, h Handle) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM job_messages WHERE message_id = ? AND pop_receipt = ?`,
		h.MessageID, h.PopReceipt)
	if err != nil {
		return errors.Wrapf(err, "failed to ack message %s", h.MessageID)
	}
	return requireOneRow(res, h)
}

// UpdateVisibility moves the message's visible time to now+delay
func (q *SQLiteQueue) UpdateVisibility(ctx context.Context, h Handle, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE job_messages SET visible_at = ? WHERE message_id = ? AND pop_receipt = ?`,
		q.timeNow().Add(delay).UnixMilli(), h.MessageID, h.PopReceipt)
	if err != nil {
		return errors.Wrapf(err, "failed to update visibility of message %s", h.MessageID)
	}
	return requireOneRow(res, h)
}

// Len returns the number of messages held for the queue type, visible or not
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_messages WHERE queue_type = ?`, q.queueType).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return n, nil
}

func requireOneRow(res sql.Result, h Handle) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrMessageNotFound, "message %s with receipt %s", h.MessageID, h.PopReceipt)
	}
	return nil
}

package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/fhirlake/errors"
)

// ErrJobOwned is returned by ClaimJob when another worker holds a fresh heartbeat on the record
var ErrJobOwned = errors.New("job owned by another worker")

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles persistence of job records and the definition reverse index.
// Every write is guarded by the record's Version.
type Store struct {
	db                  *sql.DB
	queueType           string
	heartbeatTimeoutSec int
	timeNow             func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock replaces time.Now (tests)
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.timeNow = now }
}

// WithHeartbeatTimeout sets HeartbeatTimeoutSec stamped on new records
func WithHeartbeatTimeout(sec int) StoreOption {
	return func(s *Store) { s.heartbeatTimeoutSec = sec }
}

// DefaultHeartbeatTimeoutSec is used when no timeout is configured
const DefaultHeartbeatTimeoutSec = 300

// NewStore creates a job record store for one queue type
func NewStore(db *sql.DB, queueType string, opts ...StoreOption) *Store {
	s := &Store{
		db:                  db,
		queueType:           queueType,
		heartbeatTimeoutSec: DefaultHeartbeatTimeoutSec,
		timeNow:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueueType returns the partition this store writes to
func (s *Store) QueueType() string {
	return s.queueType
}

// DB exposes the underlying handle for collaborators sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) now() time.Time {
	return s.timeNow().UTC()
}

// CreateJob inserts a new Created record unless an active record with the same
// definition exists, in which case the existing record is returned together with
// ErrDuplicateJob. Index entries pointing at terminal records are replaced.
func (s *Store) CreateJob(ctx context.Context, def Definition, groupID string, priority int) (*JobRecord, error) {
	if err := def.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid job definition")
	}
	hash, err := def.Hash()
	if err != nil {
		return nil, err
	}
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job definition")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin create transaction")
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT job_id FROM job_reverse_index WHERE queue_type = ? AND definition_hash = ?`,
		s.queueType, hash).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, errors.Wrap(err, "failed to read reverse index")
	default:
		existing, err := s.getJob(ctx, tx, existingID)
		if err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
		if existing != nil && !existing.Status.IsTerminal() {
			err := errors.Wrapf(ErrDuplicateJob, "definition already owned by job %d", existing.ID)
			return existing, errors.WithDetail(err, fmt.Sprintf("Definition hash: %s", hash))
		}
	}

	now := s.now()
	job := &JobRecord{
		GroupID:             groupID,
		QueueType:           s.queueType,
		Status:              JobStatusCreated,
		Definition:          def,
		DefinitionHash:      hash,
		Version:             1,
		Priority:            priority,
		CreateDate:          now,
		HeartbeatTimeoutSec: s.heartbeatTimeoutSec,
	}
	resultJSON, err := MarshalResult(job.Result)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (
			queue_type, group_id, kind, status, definition, definition_hash, result,
			cancel_requested, version, priority, owner, create_date, heartbeat_timeout_sec
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, '', ?, ?)`,
		s.queueType, groupID, def.Kind, job.Status, string(defJSON), hash, resultJSON,
		priority, now, job.HeartbeatTimeoutSec,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job")
	}
	job.ID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new job id")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_reverse_index (queue_type, definition_hash, job_id) VALUES (?, ?, ?)
		ON CONFLICT(queue_type, definition_hash) DO UPDATE SET job_id = excluded.job_id`,
		s.queueType, hash, job.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write reverse index")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit job creation")
	}
	return job, nil
}

// GetJob retrieves a record by ID
func (s *Store) GetJob(ctx context.Context, id int64) (*JobRecord, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q querier, id int64) (*JobRecord, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job JobRecord
	var args JobScanArgs
	err := q.QueryRowContext(ctx, query, id).Scan(GetJobScanTargets(&job, &args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	if err := ProcessJobScanArgs(&job, &args); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob writes the record if its Version still matches the stored one and
// bumps Version on success. A mismatch returns errors.ErrConflict.
// Heartbeat columns are owned by ClaimJob and Heartbeat and are not written here.
func (s *Store) UpdateJob(ctx context.Context, job *JobRecord) error {
	return s.updateJob(ctx, s.db, job)
}

func (s *Store) updateJob(ctx context.Context, q querier, job *JobRecord) error {
	resultJSON, err := MarshalResult(job.Result)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    result = ?,
		    cancel_requested = ?,
		    priority = ?,
		    owner = ?,
		    start_date = ?,
		    end_date = ?,
		    version = version + 1
		WHERE id = ? AND version = ?`,
		job.Status,
		resultJSON,
		job.CancelRequested,
		job.Priority,
		job.Owner,
		nullableTime(job.StartDate),
		nullableTime(job.EndDate),
		job.ID,
		job.Version,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
	}
	if err := s.checkVersioned(ctx, q, res, job); err != nil {
		return err
	}
	job.Version++
	return nil
}

// checkVersioned turns a zero-row versioned write into NotFound or Conflict
func (s *Store) checkVersioned(ctx context.Context, q querier, res sql.Result, job *JobRecord) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 1 {
		return nil
	}
	var current int64
	err = q.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, job.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %d", job.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read version of job %d", job.ID)
	}
	return errors.NewConflictError("job %d: have version %d, stored %d", job.ID, job.Version, current)
}

// UpdateJobWithRetry reads the record, applies mutate and writes it. On a version
// conflict the record is re-read and mutate reapplied exactly once; a second
// conflict is an assertion failure. mutate may return an error to abort.
func (s *Store) UpdateJobWithRetry(ctx context.Context, id int64, mutate func(*JobRecord) error) (*JobRecord, error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(job); err != nil {
			return job, err
		}
		err = s.UpdateJob(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.IsConflictError(err) {
			return nil, err
		}
		if attempt == 1 {
			return nil, errors.NewAssertionErrorWithWrappedErrf(err, "job %d: conflict persisted after re-read", id)
		}
	}
	return nil, errors.AssertionFailedf("unreachable")
}

// ClaimJob moves a record to Running for owner. Created records are claimed only
// while fewer than maxRunning processing jobs run (0 = unbounded); the count and
// the transition happen in one transaction. Running records are re-entered when
// their owner is empty or their heartbeat is stale.
func (s *Store) ClaimJob(ctx context.Context, id int64, owner string, maxRunning int) (*JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	job, err := s.getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()

	switch job.Status {
	case JobStatusCreated:
		if maxRunning > 0 && job.Kind() == KindProcessing {
			running, err := s.countRunning(ctx, tx, KindProcessing)
			if err != nil {
				return nil, err
			}
			if running >= maxRunning {
				return job, errors.Wrapf(ErrCapacity, "%d of %d processing jobs running", running, maxRunning)
			}
		}
	case JobStatusRunning:
		if job.Owner != "" && job.Owner != owner && !job.HeartbeatStale(now) {
			return job, errors.Wrapf(ErrJobOwned, "job %d held by %s", job.ID, job.Owner)
		}
	}

	if err := job.Start(owner, now); err != nil {
		return job, err
	}
	if err := s.updateJob(ctx, tx, job); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ? WHERE id = ?`, now.UnixMilli(), job.ID); err != nil {
		return nil, errors.Wrap(err, "failed to stamp heartbeat")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return job, nil
}

// Heartbeat refreshes HeartbeatDateTime of a Running record owned by owner and
// reports whether cancellation was requested. It does not bump Version.
// ErrLeaseLost is returned when the record is no longer Running under owner.
func (s *Store) Heartbeat(ctx context.Context, id int64, owner string) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?
		WHERE id = ? AND owner = ? AND status = 'running'
		RETURNING cancel_requested`,
		s.now().UnixMilli(), id, owner).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrapf(ErrLeaseLost, "job %d no longer running under %s", id, owner)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to heartbeat job %d", id)
	}
	return cancelRequested, nil
}

// MarkEnqueued records that a message for the job was (re-)enqueued.
// The owner is cleared, so a stale worker loses its lease; Version is bumped.
func (s *Store) MarkEnqueued(ctx context.Context, job *JobRecord) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET enqueue_count = enqueue_count + 1,
		    last_enqueue_at = ?,
		    owner = '',
		    version = version + 1
		WHERE id = ? AND version = ?`,
		now.UnixMilli(), job.ID, job.Version)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %d enqueued", job.ID)
	}
	if err := s.checkVersioned(ctx, s.db, res, job); err != nil {
		return err
	}
	job.Version++
	job.EnqueueCount++
	job.LastEnqueueDate = &now
	job.Owner = ""
	return nil
}

// RequestCancel sets CancelRequested on a non-terminal record. Terminal records are
// returned unchanged.
func (s *Store) RequestCancel(ctx context.Context, id int64) (*JobRecord, error) {
	var terminal *JobRecord
	job, err := s.UpdateJobWithRetry(ctx, id, func(j *JobRecord) error {
		if j.Status.IsTerminal() {
			terminal = j
			return errTerminal
		}
		j.CancelRequested = true
		return nil
	})
	if errors.Is(err, errTerminal) {
		return terminal, nil
	}
	return job, err
}

var errTerminal = errors.New("job already terminal")

// listJobs runs a filtered SELECT over the store's queue type
func (s *Store) listJobs(ctx context.Context, where string, args ...interface{}) ([]*JobRecord, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE queue_type = ?`
	if where != "" {
		query += ` AND ` + where
	}
	rows, err := s.db.QueryContext(ctx, query, append([]interface{}{s.queueType}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// ListActiveJobs returns the non-terminal records of a group
func (s *Store) ListActiveJobs(ctx context.Context, groupID string) ([]*JobRecord, error) {
	return s.listJobs(ctx, `group_id = ? AND status IN ('created', 'running') ORDER BY id`, groupID)
}

// ListJobsByGroup returns every record of a group
func (s *Store) ListJobsByGroup(ctx context.Context, groupID string) ([]*JobRecord, error) {
	return s.listJobs(ctx, `group_id = ? ORDER BY id`, groupID)
}

// ListJobs returns recent records, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if status != nil {
		return s.listJobs(ctx, `status = ? ORDER BY id DESC LIMIT ?`, *status, limit)
	}
	return s.listJobs(ctx, `1 = 1 ORDER BY id DESC LIMIT ?`, limit)
}

// FindActiveOrchestratorJob returns the oldest non-terminal orchestrator record, or nil
func (s *Store) FindActiveOrchestratorJob(ctx context.Context) (*JobRecord, error) {
	jobs, err := s.listJobs(ctx, `kind = 'orchestrator' AND status IN ('created', 'running') ORDER BY id LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// ListStaleJobs returns processing records that need a fresh message: Running
// records whose heartbeat is older than their HeartbeatTimeoutSec, and Created
// records whose last enqueue is that old. Records enqueued within the timeout
// are skipped so each sweep enqueues at most once per timeout period.
func (s *Store) ListStaleJobs(ctx context.Context, now time.Time) ([]*JobRecord, error) {
	nowMS := now.UnixMilli()
	return s.listJobs(ctx, `
		kind = 'processing'
		AND (last_enqueue_at IS NULL OR last_enqueue_at < ? - heartbeat_timeout_sec * 1000)
		AND (
			(status = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < ? - heartbeat_timeout_sec * 1000))
			OR status = 'created'
		)
		ORDER BY priority DESC, id`, nowMS, nowMS)
}

// CountRunning returns the number of Running records of a kind
func (s *Store) CountRunning(ctx context.Context, kind Kind) (int, error) {
	return s.countRunning(ctx, s.db, kind)
}

func (s *Store) countRunning(ctx context.Context, q querier, kind Kind) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue_type = ? AND kind = ? AND status = 'running'`,
		s.queueType, kind).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count running jobs")
	}
	return n, nil
}

// CleanupOldJobs deletes terminal records that ended before cutoff, along with
// reverse index entries that still point at them.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	const doomed = `SELECT id FROM jobs WHERE queue_type = ? AND status IN ('completed', 'failed', 'cancelled') AND end_date < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_reverse_index WHERE job_id IN (`+doomed+`)`, s.queueType, cutoff.UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to clean reverse index")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+doomed+`)`, s.queueType, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read cleaned job count")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}
	return n, nil
}

// ReleaseJob clears the owner of a Running record held by owner, so the next
// delivery can re-enter it without waiting for the heartbeat to go stale.
func (s *Store) ReleaseJob(ctx context.Context, id int64, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET owner = '', version = version + 1
		WHERE id = ? AND owner = ? AND status = 'running'`,
		id, owner)
	if err != nil {
		return errors.Wrapf(err, "failed to release job %d", id)
	}
	return nil
}

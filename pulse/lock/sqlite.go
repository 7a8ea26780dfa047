package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/fhirlake/errors"
)

// SQLiteLock stores leases in the job_locks table
type SQLiteLock struct {
	db      *sql.DB
	name    string
	timeNow func() time.Time
}

var _ JobLock = (*SQLiteLock)(nil)

// NewSQLiteLock creates a lock over the job_locks table
func NewSQLiteLock(db *sql.DB, name string) *SQLiteLock {
	return &SQLiteLock{db: db, name: name, timeNow: time.Now}
}

// SetClock replaces time.Now (tests)
func (l *SQLiteLock) SetClock(now func() time.Time) {
	l.timeNow = now
}

// Acquire takes the lease when it is free, expired, or already held by holderID.
// The upsert only overwrites a row matching that condition, so two instances
// racing for an expired lease cannot both win.
func (l *SQLiteLock) Acquire(ctx context.Context, holderID string, duration time.Duration) (*Lease, error) {
	now := l.timeNow()
	lease := &Lease{
		Name:      l.name,
		HolderID:  holderID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(duration),
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO job_locks (name, holder_id, token, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder_id = excluded.holder_id,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE job_locks.expires_at <= ? OR job_locks.holder_id = excluded.holder_id`,
		lease.Name, lease.HolderID, lease.Token, lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", l.name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrAlreadyHeld, "lock %s", l.name)
	}
	return lease, nil
}

// Renew extends the lease while its token is still the stored one
func (l *SQLiteLock) Renew(ctx context.Context, lease *Lease, duration time.Duration) error {
	expires := l.timeNow().Add(duration)
	res, err := l.db.ExecContext(ctx,
		`UPDATE job_locks SET expires_at = ? WHERE name = ? AND token = ?`,
		expires.UnixMilli(), lease.Name, lease.Token)
	if err != nil {
		return errors.Wrapf(err, "failed to renew lock %s", lease.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrLockLost, "lock %s held by another token", lease.Name)
	}
	lease.ExpiresAt = expires
	return nil
}

// Release drops the lease. Releasing a lease that was already taken over is a no-op.
func (l *SQLiteLock) Release(ctx context.Context, lease *Lease) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE name = ? AND token = ?`, lease.Name, lease.Token)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock %s", lease.Name)
	}
	return nil
}

// Holder returns the current unexpired holder, or "" when the lock is free
func (l *SQLiteLock) Holder(ctx context.Context) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx,
		`SELECT holder_id FROM job_locks WHERE name = ? AND expires_at > ?`,
		l.name, l.timeNow().UnixMilli()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read lock %s", l.name)
	}
	return holder, nil
}

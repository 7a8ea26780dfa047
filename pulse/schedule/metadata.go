package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/fhirlake/errors"
)

// ErrWatermarkMoved is returned by AdvanceWatermark when the stored watermark
// no longer equals the window start the caller advanced from. It is marked
// as errors.ErrConflict.
var ErrWatermarkMoved = errors.New("watermark moved by another writer")

// Metadata is the scheduler state of one queue type
type Metadata struct {
	QueueType     string     `json:"queue_type"`
	LastWatermark *time.Time `json:"last_watermark,omitempty"` // nil before the first window completes
	Version       int64      `json:"version"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MetadataStore persists the watermark in the scheduler_metadata table
type MetadataStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewMetadataStore creates a metadata store
func NewMetadataStore(db *sql.DB) *MetadataStore {
	return &MetadataStore{db: db, timeNow: time.Now}
}

// SetClock replaces time.Now (tests)
func (s *MetadataStore) SetClock(now func() time.Time) {
	s.timeNow = now
}

// Get returns the metadata of a queue type. A queue type that never completed
// a window yields a zero-version record with no watermark.
func (s *MetadataStore) Get(ctx context.Context, queueType string) (*Metadata, error) {
	md := &Metadata{QueueType: queueType}
	var watermark sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_watermark, version, updated_at FROM scheduler_metadata WHERE queue_type = ?`,
		queueType).Scan(&watermark, &md.Version, &md.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return md, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scheduler metadata for %s", queueType)
	}
	if watermark.Valid {
		t := time.UnixMilli(watermark.Int64).UTC()
		md.LastWatermark = &t
	}
	return md, nil
}

// AdvanceWatermark moves the watermark from `from` to `to`. The write only
// happens while the stored watermark is at or before from (or none is stored
// yet), so the watermark never moves backwards. A stored value before from
// means the configured start was raised past it; windows still open at the
// later of the two.
func (s *MetadataStore) AdvanceWatermark(ctx context.Context, queueType string, from, to time.Time) error {
	if !to.After(from) {
		return errors.AssertionFailedf("watermark must move forward: %s -> %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_metadata (queue_type, last_watermark, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(queue_type) DO UPDATE
		SET last_watermark = excluded.last_watermark,
		    version = scheduler_metadata.version + 1,
		    updated_at = excluded.updated_at
		WHERE scheduler_metadata.last_watermark IS NULL OR scheduler_metadata.last_watermark <= ?`,
		queueType, to.UnixMilli(), s.timeNow().UTC(), from.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to advance watermark for %s", queueType)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		err := errors.Wrapf(ErrWatermarkMoved, "%s: expected %s", queueType, from.Format(time.RFC3339))
		return errors.Mark(err, errors.ErrConflict)
	}
	return nil
}

package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/internal/util"
)

// JobScanArgs holds the nullable and encoded columns of a job row
type JobScanArgs struct {
	Kind          string
	Definition    string
	Result        sql.NullString
	StartDate     sql.NullTime
	EndDate       sql.NullTime
	HeartbeatAt   sql.NullInt64
	LastEnqueueAt sql.NullInt64
}

// StandardJobSelectColumns returns the column list matching GetJobScanTargets
func StandardJobSelectColumns() string {
	return `id, group_id, queue_type, kind, status, definition, definition_hash, result,
		cancel_requested, version, priority, owner, create_date, start_date, end_date,
		heartbeat_at, heartbeat_timeout_sec, enqueue_count, last_enqueue_at`
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *JobRecord, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.GroupID,
		&job.QueueType,
		&args.Kind,
		&job.Status,
		&args.Definition,
		&job.DefinitionHash,
		&args.Result,
		&job.CancelRequested,
		&job.Version,
		&job.Priority,
		&job.Owner,
		&job.CreateDate,
		&args.StartDate,
		&args.EndDate,
		&args.HeartbeatAt,
		&job.HeartbeatTimeoutSec,
		&job.EnqueueCount,
		&args.LastEnqueueAt,
	}
}

// ProcessJobScanArgs decodes the scanned columns into the job
func ProcessJobScanArgs(job *JobRecord, args *JobScanArgs) error {
	if err := unmarshalDefinition(args.Definition, &job.Definition); err != nil {
		return errors.Wrapf(err, "job %d", job.ID)
	}
	if job.Definition.Kind != Kind(args.Kind) {
		return errors.AssertionFailedf("job %d: kind column %q disagrees with definition %q", job.ID, args.Kind, job.Definition.Kind)
	}

	result, err := UnmarshalResult(args.Result.String)
	if err != nil {
		return errors.Wrapf(err, "job %d", job.ID)
	}
	job.Result = result

	job.CreateDate = job.CreateDate.UTC()
	if args.StartDate.Valid {
		job.StartDate = util.Ptr(args.StartDate.Time.UTC())
	}
	if args.EndDate.Valid {
		job.EndDate = util.Ptr(args.EndDate.Time.UTC())
	}
	job.HeartbeatDateTime = util.UnixMilli(args.HeartbeatAt.Int64, args.HeartbeatAt.Valid)
	job.LastEnqueueDate = util.UnixMilli(args.LastEnqueueAt.Int64, args.LastEnqueueAt.Valid)
	return nil
}

// scanJobs drains rows into job records and closes them
func scanJobs(rows *sql.Rows) ([]*JobRecord, error) {
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		var job JobRecord
		var args JobScanArgs
		if err := rows.Scan(GetJobScanTargets(&job, &args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		if err := ProcessJobScanArgs(&job, &args); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

func unmarshalDefinition(s string, def *Definition) error {
	if err := json.Unmarshal([]byte(s), def); err != nil {
		return errors.Wrap(err, "failed to unmarshal job definition")
	}
	return nil
}

// nullableTime converts an optional timestamp into a driver argument
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullableMillis converts an optional timestamp into unix millis for comparisons in SQL
func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

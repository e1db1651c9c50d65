package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

// JobRecord is one row in the job index.
type JobRecord struct {
	ID           uuid.UUID
	ArtifactRef  ArtifactRef
	Filename     string
	Format       constants.Format
	Status       constants.JobStatus
	ErrorKind    string
	ErrorMessage string
	EnqueuedAt   time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// JobIndex persists job lifecycle state in a sqlite database on the mounted
// volume. Status transitions are guarded in SQL so a row can only move
// forward: QUEUED -> RUNNING -> {SUCCEEDED|FAILED}.
type JobIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	artifact_ref  TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT '',
	format        TEXT NOT NULL DEFAULT 'UNKNOWN',
	status        TEXT NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	enqueued_at   TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_enqueued_idx ON jobs (enqueued_at);
`

// OpenJobIndex opens (creating if needed) the index database at path.
func OpenJobIndex(path string, logger *slog.Logger) (*JobIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, common.E(common.KindStorageError, "open job index", err)
	}
	// One writer at a time; the coordinator serializes work anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(jobsSchema); err != nil {
		_ = db.Close()
		return nil, common.E(common.KindStorageError, "migrate job index", err)
	}
	return &JobIndex{db: db, logger: logger}, nil
}

func (x *JobIndex) Close() error { return x.db.Close() }

// Insert records a freshly enqueued job.
func (x *JobIndex) Insert(ctx context.Context, rec *JobRecord) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO jobs (id, artifact_ref, filename, format, status, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), string(rec.ArtifactRef), rec.Filename, string(rec.Format),
		string(constants.JobStatusQueued), rec.EnqueuedAt.UTC(),
	)
	if err != nil {
		x.logger.Error("job insert failed", "job_id", rec.ID, "error", err)
		return common.E(common.KindStorageError, "insert job", err)
	}
	x.logger.Info("job enqueued", "job_id", rec.ID, "artifact", rec.ArtifactRef, "filename", rec.Filename)
	return nil
}

// Delete removes a job row. Used only to roll back an insert whose queue
// slot could not be reserved.
func (x *JobIndex) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id.String())
	if err != nil {
		return common.E(common.KindStorageError, "delete job", err)
	}
	return nil
}

// Get returns the job row, or NotFound.
func (x *JobIndex) Get(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT id, artifact_ref, filename, format, status, error_kind, error_message,
		        enqueued_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id.String())
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.E(common.KindNotFound, fmt.Sprintf("job %s not found", id), err)
	}
	if err != nil {
		return nil, common.E(common.KindStorageError, "load job", err)
	}
	return rec, nil
}

// MarkRunning transitions QUEUED -> RUNNING. Returns false without error
// when the job already left QUEUED (e.g. cancelled while waiting).
func (x *JobIndex) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := x.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(constants.JobStatusRunning), time.Now().UTC(), id.String(),
		string(constants.JobStatusQueued),
	)
	if err != nil {
		return false, common.E(common.KindStorageError, "mark job running", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSucceeded transitions RUNNING -> SUCCEEDED.
func (x *JobIndex) MarkSucceeded(ctx context.Context, id uuid.UUID, format constants.Format) error {
	res, err := x.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, format = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(constants.JobStatusSucceeded), string(format), time.Now().UTC(), id.String(),
		string(constants.JobStatusRunning),
	)
	if err != nil {
		return common.E(common.KindStorageError, "mark job succeeded", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return common.E(common.KindInternal, "job not in RUNNING state", nil)
	}
	x.logger.Info("job succeeded", "job_id", id)
	return nil
}

// MarkFailed transitions a non-terminal job to FAILED with an error kind.
func (x *JobIndex) MarkFailed(ctx context.Context, id uuid.UUID, format constants.Format, kind common.Kind, message string) error {
	res, err := x.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, format = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(constants.JobStatusFailed), string(format), string(kind), message, time.Now().UTC(),
		id.String(), string(constants.JobStatusQueued), string(constants.JobStatusRunning),
	)
	if err != nil {
		return common.E(common.KindStorageError, "mark job failed", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return common.E(common.KindInternal, "job already terminal", nil)
	}
	x.logger.Warn("job failed", "job_id", id, "kind", kind, "error", message)
	return nil
}

// CancelQueued transitions QUEUED -> FAILED/CANCELLED. Returns false when
// the job was no longer queued.
func (x *JobIndex) CancelQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := x.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		string(constants.JobStatusFailed), string(common.KindCancelled), "cancelled before start",
		time.Now().UTC(), id.String(), string(constants.JobStatusQueued),
	)
	if err != nil {
		return false, common.E(common.KindStorageError, "cancel queued job", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// List returns up to limit jobs, most recently enqueued first.
func (x *JobIndex) List(ctx context.Context, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, artifact_ref, filename, format, status, error_kind, error_message,
		        enqueued_at, started_at, finished_at
		 FROM jobs ORDER BY enqueued_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, common.E(common.KindStorageError, "list jobs", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, common.E(common.KindStorageError, "scan job row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.E(common.KindStorageError, "iterate jobs", err)
	}
	return out, nil
}

// SweepStale fails jobs left RUNNING or QUEUED by a previous process. Run
// once at startup, before the coordinator accepts work.
func (x *JobIndex) SweepStale(ctx context.Context) (int, error) {
	res, err := x.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(constants.JobStatusFailed), string(common.KindInternal),
		"interrupted by process restart", time.Now().UTC(),
		string(constants.JobStatusQueued), string(constants.JobStatusRunning),
	)
	if err != nil {
		return 0, common.E(common.KindStorageError, "sweep stale jobs", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		x.logger.Warn("swept stale jobs from previous run", "count", n)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec        JobRecord
		idStr      string
		refStr     string
		formatStr  string
		statusStr  string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&idStr, &refStr, &rec.Filename, &formatStr, &statusStr,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.EnqueuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", idStr, err)
	}
	rec.ID = id
	rec.ArtifactRef = ArtifactRef(refStr)
	rec.Format = constants.Format(formatStr)
	rec.Status = constants.JobStatus(statusStr)
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

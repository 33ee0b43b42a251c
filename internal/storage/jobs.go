package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"megaphone/internal/broadcast"
)

// JobRepo implements broadcast.JobStore over the broadcast_jobs table.
type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, title, body, media_ref, parse_mode, audience, custom_ids, status,
	schedule_at, created_by, total_recipients, sent_count, failed_count, blocked_count,
	error_message, created_at, started_at, completed_at`

func (r *JobRepo) Create(ctx context.Context, j *broadcast.Job) error {
	var customIDs any
	if len(j.CustomIDs) > 0 {
		b, err := json.Marshal(j.CustomIDs)
		if err != nil {
			return fmt.Errorf("encode custom ids: %w", err)
		}
		customIDs = string(b)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO broadcast_jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Title, j.Body, nullStr(j.MediaRef), nullStr(j.ParseMode),
		string(j.Audience), customIDs, string(j.Status),
		formatTimePtr(j.ScheduleAt), j.CreatedBy,
		j.TotalRecipients, j.SentCount, j.FailedCount, j.BlockedCount,
		nullStr(j.ErrorMessage), formatTime(j.CreatedAt),
		formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*broadcast.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broadcast.ErrNotFound
	}
	return j, err
}

func (r *JobRepo) List(ctx context.Context, limit, offset int) ([]*broadcast.Job, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count broadcasts: %w", err)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM broadcast_jobs
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	var jobs []*broadcast.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (r *JobRepo) ListByStatus(ctx context.Context, st broadcast.Status) ([]*broadcast.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM broadcast_jobs WHERE status = ? ORDER BY created_at`, string(st))
	if err != nil {
		return nil, fmt.Errorf("list broadcasts by status: %w", err)
	}
	defer rows.Close()

	var jobs []*broadcast.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListDue returns pending jobs whose schedule time has passed.
func (r *JobRepo) ListDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM broadcast_jobs
		 WHERE status = ? AND schedule_at IS NOT NULL AND schedule_at <= ?
		 ORDER BY schedule_at`, string(broadcast.StatusPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due broadcasts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *JobRepo) SetStatus(ctx context.Context, id string, from, to broadcast.Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return r.checkGuard(ctx, res, id)
}

func (r *JobRepo) MarkSending(ctx context.Context, id string, from []broadcast.Status, startedAt time.Time, total int) error {
	placeholders := make([]string, len(from))
	args := []any{formatTime(startedAt), total, id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs
		 SET status = 'sending',
		     started_at = COALESCE(started_at, ?),
		     total_recipients = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	return r.checkGuard(ctx, res, id)
}

func (r *JobRepo) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = 'completed', completed_at = ?
		 WHERE id = ? AND status = 'sending'`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return r.checkGuard(ctx, res, id)
}

func (r *JobRepo) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = 'failed', error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending','sending','paused')`,
		errMsg, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.checkGuard(ctx, res, id)
}

func (r *JobRepo) AddCounters(ctx context.Context, id string, sent, failed, blocked int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs
		 SET sent_count = sent_count + ?,
		     failed_count = failed_count + ?,
		     blocked_count = blocked_count + ?
		 WHERE id = ?`,
		sent, failed, blocked, id)
	if err != nil {
		return fmt.Errorf("add counters: %w", err)
	}
	return nil
}

// checkGuard distinguishes "no such job" from "status guard did not match"
// when a guarded update touched zero rows.
func (r *JobRepo) checkGuard(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM broadcast_jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.ErrNotFound
	}
	if err != nil {
		return err
	}
	return broadcast.ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*broadcast.Job, error) {
	var (
		j                             broadcast.Job
		mediaRef, parseMode           sql.NullString
		customIDs, errMsg             sql.NullString
		audience, status, createdAt   string
		scheduleAt, startedAt, doneAt sql.NullString
	)
	err := row.Scan(&j.ID, &j.Title, &j.Body, &mediaRef, &parseMode, &audience, &customIDs,
		&status, &scheduleAt, &j.CreatedBy, &j.TotalRecipients,
		&j.SentCount, &j.FailedCount, &j.BlockedCount,
		&errMsg, &createdAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	j.MediaRef = mediaRef.String
	j.ParseMode = parseMode.String
	j.Audience = broadcast.AudienceSpec(audience)
	j.Status = broadcast.Status(status)
	j.ErrorMessage = errMsg.String

	if customIDs.Valid && customIDs.String != "" {
		if err := json.Unmarshal([]byte(customIDs.String), &j.CustomIDs); err != nil {
			return nil, fmt.Errorf("decode custom ids: %w", err)
		}
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.ScheduleAt, err = parseTimePtr(scheduleAt); err != nil {
		return nil, fmt.Errorf("parse schedule_at: %w", err)
	}
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.CompletedAt, err = parseTimePtr(doneAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &j, nil
}

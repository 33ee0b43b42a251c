package storage

import (
	"context"
	"fmt"

	"megaphone/internal/broadcast"
)

// DeliveryLogRepo implements broadcast.DeliveryLog over the delivery_log
// table. Appends are single-row inserts so log persistence stays cheap
// relative to the pacing delay.
type DeliveryLogRepo struct {
	db *DB
}

func NewDeliveryLogRepo(db *DB) *DeliveryLogRepo { return &DeliveryLogRepo{db: db} }

func (r *DeliveryLogRepo) Append(ctx context.Context, e broadcast.LogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_log (broadcast_id, recipient_id, outcome, message, error_detail, created_at)
		 VALUES (?,?,?,?,?,?)`,
		e.BroadcastID, e.RecipientID, string(e.Outcome),
		nullStr(e.Message), nullStr(e.ErrorDetail), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (r *DeliveryLogRepo) LoggedRecipients(ctx context.Context, broadcastID string) (map[int64]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT recipient_id FROM delivery_log WHERE broadcast_id = ?`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("load logged recipients: %w", err)
	}
	defer rows.Close()

	logged := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		logged[id] = struct{}{}
	}
	return logged, rows.Err()
}

func (r *DeliveryLogRepo) List(ctx context.Context, broadcastID string, outcome broadcast.Outcome, limit, offset int) ([]broadcast.LogEntry, int, error) {
	where := `WHERE broadcast_id = ?`
	args := []any{broadcastID}
	if outcome != "" {
		where += ` AND outcome = ?`
		args = append(args, string(outcome))
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_log `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delivery log: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT broadcast_id, recipient_id, outcome, COALESCE(message,''), COALESCE(error_detail,''), created_at
		 FROM delivery_log `+where+`
		 ORDER BY created_at, recipient_id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list delivery log: %w", err)
	}
	defer rows.Close()

	var entries []broadcast.LogEntry
	for rows.Next() {
		var (
			e         broadcast.LogEntry
			outcome   string
			createdAt string
		)
		if err := rows.Scan(&e.BroadcastID, &e.RecipientID, &outcome, &e.Message, &e.ErrorDetail, &createdAt); err != nil {
			return nil, 0, err
		}
		e.Outcome = broadcast.Outcome(outcome)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

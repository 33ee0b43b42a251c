// Package audience resolves audience specs to concrete recipient lists and
// owns recipient reachability (disqualification).
package audience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"megaphone/internal/broadcast"
	"megaphone/internal/storage"
	"megaphone/pkg/logx"
)

// Store is the Recipient Store collaborator backed by the recipients table.
// Every resolution excludes disqualified recipients, whatever the spec.
type Store struct {
	db *storage.DB
	// activeWindow is the recency window for the "active" spec.
	activeWindow time.Duration
	clock        clockwork.Clock
	log          logx.Logger
}

func NewStore(db *storage.DB, activeWindow time.Duration, clock clockwork.Clock, log logx.Logger) *Store {
	if activeWindow <= 0 {
		activeWindow = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, activeWindow: activeWindow, clock: clock, log: log}
}

// Resolve returns the current recipient list for a spec, ordered by id for a
// stable within-run iteration order.
func (s *Store) Resolve(ctx context.Context, spec broadcast.AudienceSpec, custom []int64) ([]int64, error) {
	query, args, err := s.buildQuery(`SELECT id FROM recipients`, spec, custom)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience %q: %w", spec, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the current audience size without materializing the list.
func (s *Store) Count(ctx context.Context, spec broadcast.AudienceSpec, custom []int64) (int, error) {
	query, args, err := s.buildQuery(`SELECT COUNT(*) FROM recipients`, spec, custom)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audience %q: %w", spec, err)
	}
	return n, nil
}

func (s *Store) buildQuery(head string, spec broadcast.AudienceSpec, custom []int64) (string, []any, error) {
	where := []string{`blocked_by_platform = 0`}
	var args []any
	now := s.clock.Now().UTC()

	switch spec {
	case broadcast.AudienceAll:
	case broadcast.AudienceActive:
		where = append(where, `last_seen_at >= ?`)
		args = append(args, now.Add(-s.activeWindow).Format(time.RFC3339Nano))
	case broadcast.AudienceSubscribed:
		where = append(where, `subscribed_until IS NOT NULL AND subscribed_until > ?`)
		args = append(args, now.Format(time.RFC3339Nano))
	case broadcast.AudienceCustom:
		if len(custom) == 0 {
			return "", nil, fmt.Errorf("custom audience requires recipient ids")
		}
		ph := make([]string, len(custom))
		for i, id := range custom {
			ph[i] = "?"
			args = append(args, id)
		}
		where = append(where, `id IN (`+strings.Join(ph, ",")+`)`)
	default:
		return "", nil, fmt.Errorf("unknown audience spec %q", spec)
	}
	return head + ` WHERE ` + strings.Join(where, " AND "), args, nil
}

// Disqualify durably marks a recipient unreachable. From this point every
// Resolve and Count excludes them, for every spec.
func (s *Store) Disqualify(ctx context.Context, recipientID int64) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET blocked_by_platform = 1, blocked_at = ? WHERE id = ?`,
		now, recipientID)
	if err != nil {
		return fmt.Errorf("disqualify recipient %d: %w", recipientID, err)
	}
	s.log.Debug("recipient disqualified", logx.Int64("recipient", recipientID))
	return nil
}

// Touch upserts a recipient on contact, keeping last_seen_at current for the
// "active" audience. It never clears the disqualification flag; that is an
// explicit operator action.
func (s *Store) Touch(ctx context.Context, recipientID int64, username string) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (id, username, first_seen_at, last_seen_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, last_seen_at = excluded.last_seen_at`,
		recipientID, username, now, now)
	if err != nil {
		return fmt.Errorf("touch recipient %d: %w", recipientID, err)
	}
	return nil
}

// SetSubscribedUntil records a paid entitlement expiry for the "subscribed"
// audience. A nil until clears the entitlement.
func (s *Store) SetSubscribedUntil(ctx context.Context, recipientID int64, until *time.Time) error {
	var v any
	if until != nil {
		v = until.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET subscribed_until = ? WHERE id = ?`, v, recipientID)
	if err != nil {
		return fmt.Errorf("set subscription for recipient %d: %w", recipientID, err)
	}
	return nil
}

// Package broadcast implements the broadcast delivery engine: the persisted
// job state machine, the paced dispatch worker, outcome classification,
// recipient disqualification and progress reporting.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AudienceSpec selects recipients. Resolution happens at dispatch start,
// never at creation time.
type AudienceSpec string

const (
	AudienceAll        AudienceSpec = "all"
	AudienceActive     AudienceSpec = "active"
	AudienceSubscribed AudienceSpec = "subscribed"
	AudienceCustom     AudienceSpec = "custom"
)

func ParseAudienceSpec(raw string) (AudienceSpec, error) {
	switch AudienceSpec(strings.ToLower(strings.TrimSpace(raw))) {
	case AudienceAll:
		return AudienceAll, nil
	case AudienceActive:
		return AudienceActive, nil
	case AudienceSubscribed:
		return AudienceSubscribed, nil
	case AudienceCustom:
		return AudienceCustom, nil
	}
	return "", fmt.Errorf("unknown audience spec %q", raw)
}

// Outcome is the classified result of one send attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed" // transient; recipient stays eligible
	OutcomeBlocked   Outcome = "blocked"
)

func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeDelivered:
		return OutcomeDelivered, nil
	case OutcomeFailed:
		return OutcomeFailed, nil
	case OutcomeBlocked:
		return OutcomeBlocked, nil
	}
	return "", fmt.Errorf("unknown outcome %q", raw)
}

// Job is the persisted broadcast entity. While a job is sending, only its own
// dispatch worker mutates it; readers tolerate eventually-consistent values.
type Job struct {
	ID       string
	Title    string
	Body     string
	MediaRef string // file_id or URL; empty means text-only
	// ParseMode is the platform format mode applied to every send.
	ParseMode string

	Audience  AudienceSpec
	CustomIDs []int64 // audience == custom only

	Status     Status
	ScheduleAt *time.Time
	CreatedBy  int64

	// TotalRecipients is the resolved audience size recorded at run start.
	TotalRecipients int
	SentCount       int
	FailedCount     int
	BlockedCount    int
	ErrorMessage    string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// LogEntry is one append-only per-recipient delivery record.
type LogEntry struct {
	BroadcastID string
	RecipientID int64
	Outcome     Outcome
	Message     string
	ErrorDetail string
	CreatedAt   time.Time
}

var (
	ErrNotFound          = errors.New("broadcast not found")
	ErrAlreadyRunning    = errors.New("broadcast is already dispatching")
	ErrNotRunning        = errors.New("broadcast has no active worker")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a bad create request.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "invalid broadcast: " + e.Reason }

// JobStore persists broadcast jobs. Status-changing methods guard the
// transition: they fail with ErrInvalidTransition when the stored status is
// not the expected source state.
type JobStore interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	ListByStatus(ctx context.Context, st Status) ([]*Job, error)

	SetStatus(ctx context.Context, id string, from, to Status) error
	// MarkSending moves the job into sending from one of the given source
	// states, stamps started_at on first entry and records the resolved
	// audience size.
	MarkSending(ctx context.Context, id string, from []Status, startedAt time.Time, total int) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error
	// AddCounters atomically increments the persisted counters.
	AddCounters(ctx context.Context, id string, sent, failed, blocked int) error
}

// DeliveryLog is the append-only per-recipient audit record.
type DeliveryLog interface {
	Append(ctx context.Context, e LogEntry) error
	// LoggedRecipients returns the set of recipients already logged for the
	// job; it is the resume cursor.
	LoggedRecipients(ctx context.Context, broadcastID string) (map[int64]struct{}, error)
	List(ctx context.Context, broadcastID string, outcome Outcome, limit, offset int) ([]LogEntry, int, error)
}

// AudienceStore is the Recipient Store collaborator. Implementations must
// exclude disqualified recipients from every Resolve and Count, for every
// spec, immediately after Disqualify returns.
type AudienceStore interface {
	Resolve(ctx context.Context, spec AudienceSpec, custom []int64) ([]int64, error)
	Count(ctx context.Context, spec AudienceSpec, custom []int64) (int, error)
	Disqualify(ctx context.Context, recipientID int64) error
}

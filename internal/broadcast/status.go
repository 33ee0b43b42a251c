package broadcast

import (
	"fmt"
	"strings"
)

// Status is the broadcast job lifecycle state. Transitions are monotonic
// along draft -> pending -> sending -> {paused <-> sending} -> completed|failed;
// terminal states are immutable.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusDraft:   {StatusPending},
	StatusPending: {StatusSending, StatusFailed},
	StatusSending: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusSending, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusPending:
		return StatusPending, nil
	case StatusSending:
		return StatusSending, nil
	case StatusPaused:
		return StatusPaused, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

package broadcast

import (
	"megaphone/internal/transport"
)

// Classify maps the raw result of one send attempt to an Outcome.
//
// Permanent faults (recipient blocked the surface, conversation gone,
// account deactivated) classify as blocked; every other error is a transient
// failure and leaves the recipient eligible for future broadcasts.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeDelivered
	}
	if se, ok := transport.AsSendError(err); ok && se.Fault.Permanent() {
		return OutcomeBlocked
	}
	return OutcomeFailed
}

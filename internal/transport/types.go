// Package transport defines the outbound messaging surface of the engine.
//
// The dispatch worker only sees the Sender interface and the typed SendError
// it returns; the concrete Telegram adapter lives in the telegram subpackage.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendOptions carries per-message formatting flags.
type SendOptions struct {
	// ParseMode is the platform format mode ("HTML", "MarkdownV2", or empty
	// for plain text).
	ParseMode      string
	DisablePreview bool
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Sender is the Message Sender collaborator. Media is referenced by a
// platform file ID or an http(s) URL.
type Sender interface {
	SendText(ctx context.Context, to int64, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to int64, media string, caption string, opt *SendOptions) (MessageRef, error)
}

// Fault classifies a failed send. Permanent faults mean the recipient is
// unreachable for good; everything else is transient.
type Fault int

const (
	FaultOther Fault = iota
	FaultTimeout
	// FaultFlood is the platform's rate-limit pushback (429).
	FaultFlood
	// FaultBlocked: the recipient blocked the sending surface.
	FaultBlocked
	// FaultChatNotFound: the conversation is no longer resolvable.
	FaultChatNotFound
	// FaultDeactivated: the recipient account is deactivated or deleted.
	FaultDeactivated
)

func (f Fault) Permanent() bool {
	switch f {
	case FaultBlocked, FaultChatNotFound, FaultDeactivated:
		return true
	}
	return false
}

func (f Fault) String() string {
	switch f {
	case FaultTimeout:
		return "timeout"
	case FaultFlood:
		return "flood"
	case FaultBlocked:
		return "blocked"
	case FaultChatNotFound:
		return "chat_not_found"
	case FaultDeactivated:
		return "deactivated"
	default:
		return "other"
	}
}

// SendError is the structured error every Sender implementation returns, so
// outcome classification never string-matches provider messages.
type SendError struct {
	Fault Fault
	// RetryAfter is the platform's pushback hint; set for FaultFlood only.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send %s: %v", e.Fault, e.Err)
	}
	return "send " + e.Fault.String()
}

func (e *SendError) Unwrap() error { return e.Err }

// AsSendError unwraps err to a *SendError if there is one.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

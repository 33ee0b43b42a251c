package telegram

import (
	"context"
	"errors"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"megaphone/internal/transport"
)

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// mapSendError translates Bot API errors into transport.SendError so the
// classifier upstream never inspects provider message text.
func mapSendError(err error) error {
	if err == nil {
		return nil
	}

	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return &transport.SendError{
			Fault:      transport.FaultFlood,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return &transport.SendError{Fault: transport.FaultBlocked, Err: err}
	case errors.Is(err, tele.ErrChatNotFound):
		return &transport.SendError{Fault: transport.FaultChatNotFound, Err: err}
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return &transport.SendError{Fault: transport.FaultDeactivated, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &transport.SendError{Fault: transport.FaultTimeout, Err: err}
	}
	return &transport.SendError{Fault: transport.FaultOther, Err: err}
}

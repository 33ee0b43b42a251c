// Package telegram implements transport.Sender on top of the Bot API.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"megaphone/internal/transport"
	"megaphone/pkg/logx"
)

type Config struct {
	Token string
	// HTTPTimeout bounds a single Bot API call; the dispatch worker applies
	// its own per-send context timeout on top. 0 means 15s.
	HTTPTimeout time.Duration
	// Offline skips token verification at construction (tests only).
	Offline bool
}

// Sender sends broadcast messages through Telegram.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  httpClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

func (s *Sender) SendText(ctx context.Context, to int64, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := s.bot.Send(&tele.Chat{ID: to}, text, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, mapSendError(err)
	}
	return transport.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

func (s *Sender) SendMedia(ctx context.Context, to int64, media string, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	photo := &tele.Photo{File: fileFromRef(media), Caption: caption}
	msg, err := s.bot.Send(&tele.Chat{ID: to}, photo, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, mapSendError(err)
	}
	return transport.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
}

// fileFromRef accepts either a Bot API file_id or an http(s) URL.
func fileFromRef(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

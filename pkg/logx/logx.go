// Package logx is a small structured logging facade over zerolog.
//
// Components receive a Logger at construction and derive scoped loggers with
// With(). The zero value is a safe no-op, so optional dependencies can keep a
// Logger field without nil checks.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// Level: trace, debug, info, warn, error. Empty means info.
	Level string
	// Console switches from JSON to a human-readable console writer.
	Console bool
}

// Field mutates a zerolog event. Fields are applied in order; on duplicate
// keys the later one wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field   { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a leveled structured logger. The zero value discards everything.
type Logger struct {
	zl     zerolog.Logger
	fields []Field
	ok     bool
}

// New builds a Logger writing to stderr.
func New(cfg Config) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{zl: zl, ok: true}
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{zl: zerolog.Nop(), ok: true}
}

// IsZero reports whether the logger was never initialized.
func (l Logger) IsZero() bool { return !l.ok }

// With returns a derived logger carrying additional fixed fields.
func (l Logger) With(fields ...Field) Logger {
	if !l.ok {
		return l
	}
	d := l
	d.fields = append(append([]Field(nil), l.fields...), fields...)
	return d
}

func (l Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	if !l.ok || e == nil {
		return
	}
	for _, f := range l.fields {
		f(e)
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(l.zl.Trace(), msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(l.zl.Warn(), msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields) }

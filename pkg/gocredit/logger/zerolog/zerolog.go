// Package zerolog adapts a zerolog.Logger to gocredit.Logger.
package zerolog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Logger writes gocredit fields as typed zerolog fields so credit amounts
// stay numeric in JSON output.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{zl: logger}
}

// With returns a child logger that adds fields to every entry, e.g. the
// user a request is metering.
func (l *Logger) With(fields ...gocredit.Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, fieldValue(f.Value))
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...gocredit.Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...gocredit.Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...gocredit.Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...gocredit.Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) write(level zerolog.Level, msg string, fields []gocredit.Field) {
	e := l.zl.WithLevel(level)
	if e == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case int64:
			e.Int64(f.Key, v)
		case int:
			e.Int(f.Key, v)
		case bool:
			e.Bool(f.Key, v)
		case time.Time:
			e.Time(f.Key, v)
		case time.Duration:
			e.Dur(f.Key, v)
		case error:
			e.AnErr(f.Key, v)
		default:
			e.Interface(f.Key, fieldValue(v))
		}
	}
	e.Msg(msg)
}

// fieldValue renders Stringers such as decimal.Decimal rates as text.
func fieldValue(v any) any {
	switch v := v.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	return v
}

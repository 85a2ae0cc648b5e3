package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger - структурированный логгер с парами ключ-значение
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
	// Slog отдает тот же поток в виде *slog.Logger для библиотек, которые принимают только его
	Slog() *slog.Logger
}

type Options struct {
	Level  string
	Format string // json | console
	Output io.Writer
}

type zeroLogger struct {
	zl    zerolog.Logger
	level zerolog.Level
	out   io.Writer
}

func New(level string) Logger {
	return NewWithOptions(Options{Level: level})
}

func NewWithOptions(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	lvl := parseLevel(opts.Level)
	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zeroLogger{zl: zl, level: lvl, out: out}
}

// Nop возвращает логгер, который ничего не пишет (для тестов)
func Nop() Logger {
	return &zeroLogger{zl: zerolog.Nop(), level: zerolog.Disabled, out: io.Discard}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *zeroLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.write(l.zl.Debug(), msg, keysAndValues)
}

func (l *zeroLogger) Info(msg string, keysAndValues ...interface{}) {
	l.write(l.zl.Info(), msg, keysAndValues)
}

func (l *zeroLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.write(l.zl.Warn(), msg, keysAndValues)
}

func (l *zeroLogger) Error(msg string, keysAndValues ...interface{}) {
	l.write(l.zl.Error(), msg, keysAndValues)
}

func (l *zeroLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.write(l.zl.Fatal(), msg, keysAndValues)
}

func (l *zeroLogger) With(keysAndValues ...interface{}) Logger {
	return &zeroLogger{
		zl:    l.zl.With().Fields(normalize(keysAndValues)).Logger(),
		level: l.level,
		out:   l.out,
	}
}

func (l *zeroLogger) Slog() *slog.Logger {
	return slog.New(slog.NewJSONHandler(l.out, &slog.HandlerOptions{Level: slogLevel(l.level)}))
}

func (l *zeroLogger) write(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	if e == nil {
		return
	}
	if len(keysAndValues) > 0 {
		e = e.Fields(normalize(keysAndValues))
	}
	e.Msg(msg)
}

// normalize приводит ключи к строкам и добивает нечетный хвост, иначе zerolog молча отбросит пару
func normalize(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues)%2 != 0 {
		keysAndValues = append(keysAndValues, "(MISSING)")
	}
	out := make([]interface{}, 0, len(keysAndValues))
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "(BADKEY)"
		}
		out = append(out, key, keysAndValues[i+1])
	}
	return out
}

func slogLevel(lvl zerolog.Level) slog.Level {
	switch lvl {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return slog.LevelDebug
	case zerolog.WarnLevel:
		return slog.LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return slog.LevelError
	case zerolog.Disabled:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

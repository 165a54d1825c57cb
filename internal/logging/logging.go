package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the structured logging surface used across the engine.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

// current starts as a no-op so packages can log before Init runs.
var current Logger = noopLogger{}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init builds the process logger from LOG_LEVEL. Subsequent calls return the
// logger built by the first one.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
			Level:            zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL"))),
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)

		mu.Lock()
		sugar = logger.Sugar()
		current = sugar
		mu.Unlock()
	})
	return sugar
}

// SetLogger swaps the package logger. nil restores the Init logger, or the
// no-op logger when Init was never called.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the active logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// With returns a logger that prefixes every entry with kv. Loggers that
// cannot carry fields get kv merged at each call instead.
func With(kv ...interface{}) Logger {
	l := GetLogger()
	if len(kv) == 0 {
		return l
	}
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.With(kv...)
	}
	return fieldLogger{base: l, fields: kv}
}

type fieldLogger struct {
	base   Logger
	fields []interface{}
}

func (f fieldLogger) merge(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(f.fields)+len(kv))
	return append(append(out, f.fields...), kv...)
}

func (f fieldLogger) Infow(msg string, kv ...interface{})  { f.base.Infow(msg, f.merge(kv)...) }
func (f fieldLogger) Debugw(msg string, kv ...interface{}) { f.base.Debugw(msg, f.merge(kv)...) }
func (f fieldLogger) Warnw(msg string, kv ...interface{})  { f.base.Warnw(msg, f.merge(kv)...) }
func (f fieldLogger) Errorw(msg string, kv ...interface{}) { f.base.Errorw(msg, f.merge(kv)...) }
func (f fieldLogger) Sync() error                          { return f.base.Sync() }

func Infow(msg string, kv ...interface{})  { GetLogger().Infow(msg, kv...) }
func Debugw(msg string, kv ...interface{}) { GetLogger().Debugw(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { GetLogger().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { GetLogger().Errorw(msg, kv...) }

// Sync flushes buffered entries.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv appended to any fields already
// attached to ctx.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns the fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

// Ctx returns a logger carrying the fields attached to ctx.
func Ctx(ctx context.Context) Logger { return With(FromContext(ctx)...) }

// Field helpers keep keys consistent across packages.

func GuildFields(guildID string) []interface{} { return []interface{}{"guild.id", guildID} }

func ChannelFields(channelID string) []interface{} { return []interface{}{"channel.id", channelID} }

func UserFields(userID string) []interface{} { return []interface{}{"user.id", userID} }

func SSRCFields(ssrc uint32) []interface{} { return []interface{}{"ssrc", ssrc} }

// SegmentFields describes a captured utterance.
func SegmentFields(nonce string, durationMs int64) []interface{} {
	return []interface{}{"segment.nonce", nonce, "segment.duration_ms", durationMs}
}

// Join concatenates field groups for a single call site.
func Join(groups ...[]interface{}) []interface{} {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	out := make([]interface{}, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

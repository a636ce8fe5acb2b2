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
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the service.
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

// current starts as a no-op so package-level calls are safe before Init.
var current Logger = noopLogger{}

// Init builds the JSON zap logger from LOG_LEVEL and redirects the standard
// library logger into it. Safe to call multiple times.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"

		lvl := zap.InfoLevel
		switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
		case "debug":
			lvl = zap.DebugLevel
		case "warn":
			lvl = zap.WarnLevel
		case "error":
			lvl = zap.ErrorLevel
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or a no-op logger if Init was never called.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		current = l
		return
	}
	if sugar != nil {
		current = sugar
		return
	}
	current = noopLogger{}
}

// GetLogger returns the active logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, kv ...interface{})  { GetLogger().Infow(msg, kv...) }
func Debugw(msg string, kv ...interface{}) { GetLogger().Debugw(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { GetLogger().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { GetLogger().Errorw(msg, kv...) }

// Sync flushes any buffered entries.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying extra key/value pairs that the *Ctx
// helpers merge into every entry.
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

func merge(ctx context.Context, kv []interface{}) []interface{} {
	fields := FromContext(ctx)
	if len(fields) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(fields)+len(kv))
	out = append(out, fields...)
	return append(out, kv...)
}

func InfowCtx(ctx context.Context, msg string, kv ...interface{})  { Infow(msg, merge(ctx, kv)...) }
func WarnwCtx(ctx context.Context, msg string, kv ...interface{})  { Warnw(msg, merge(ctx, kv)...) }
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) { Errorw(msg, merge(ctx, kv)...) }

// CallFields returns the canonical keys for a call.
func CallFields(callID, remote string) []interface{} {
	if remote == "" {
		return []interface{}{"call.id", callID}
	}
	return []interface{}{"call.id", callID, "call.remote", remote}
}

// ChannelFields returns the canonical keys for one transcription channel.
func ChannelFields(callID, role string) []interface{} {
	return []interface{}{"call.id", callID, "channel", role}
}

package tenanthost

import "go.uber.org/zap"

// Logger defines the interface for host logging.
// All tenant host operations (engine lifecycle transitions, configuration
// dispatch, global reloads) are logged through this interface using
// structured key-value pairs:
//
//	logger.Info("Tenant engine started", "tenantID", id, "status", status)
//
// The interface is satisfied by *slog.Logger and by the zap adapter returned
// from NewZapLogger.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// zapLogger adapts a zap SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{sugar: l.Sugar()}
}

func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// With returns a logger that always includes the given key-value pairs.
func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(args...)}
}

// withFields returns a logger carrying args when the logger supports it,
// otherwise a decorator that prepends them on every call.
func withFields(l Logger, args ...any) Logger {
	if w, ok := l.(interface{ With(args ...any) Logger }); ok {
		return w.With(args...)
	}
	return &fieldsLogger{inner: l, fields: args}
}

// fieldsLogger prepends a fixed set of key-value pairs to every call.
type fieldsLogger struct {
	inner  Logger
	fields []any
}

func (d *fieldsLogger) merge(args []any) []any {
	out := make([]any, 0, len(d.fields)+len(args))
	out = append(out, d.fields...)
	return append(out, args...)
}

func (d *fieldsLogger) Info(msg string, args ...any)  { d.inner.Info(msg, d.merge(args)...) }
func (d *fieldsLogger) Error(msg string, args ...any) { d.inner.Error(msg, d.merge(args)...) }
func (d *fieldsLogger) Warn(msg string, args ...any)  { d.inner.Warn(msg, d.merge(args)...) }
func (d *fieldsLogger) Debug(msg string, args ...any) { d.inner.Debug(msg, d.merge(args)...) }

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

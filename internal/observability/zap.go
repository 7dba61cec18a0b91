package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// ZapOption mutates the zap configuration before the logger is built.
type ZapOption func(*zap.Config)

// WithLogLevel sets the minimum level. Unknown levels fall back to info.
func WithLogLevel(level string) ZapOption {
	return func(c *zap.Config) {
		ll := zapcore.InfoLevel
		if err := ll.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
			ll = zapcore.InfoLevel
		}
		c.Level.SetLevel(ll)
	}
}

// WithLogFormat selects json or console encoding.
func WithLogFormat(format string) ZapOption {
	return func(c *zap.Config) {
		switch strings.ToLower(strings.TrimSpace(format)) {
		case LogFormatConsole:
			c.Encoding = LogFormatConsole
		default:
			c.Encoding = LogFormatJSON
		}
	}
}

// ZapLogger adapts a zap logger to Logger.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger builds a production zap logger with the supplied options.
func NewZapLogger(opts ...ZapOption) (*ZapLogger, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true
	for _, opt := range opts {
		opt(&zc)
	}
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: l}, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

func (z *ZapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, zapFields(fields)...) }
func (z *ZapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, zapFields(fields)...) }
func (z *ZapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, zapFields(fields)...) }

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.l.Sync()
}

// Zap exposes the wrapped logger.
func (z *ZapLogger) Zap() *zap.Logger {
	return z.l
}

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

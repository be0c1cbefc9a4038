package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/freshstl/storefront/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs the JSON zap logger used by every binary. Keys follow Cloud Logging conventions.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger is the structured callback handed to services.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// ServiceLogger adapts a named zap logger into an EventLogger. Events ending in "_failed" log at warn.
// The request-scoped logger wins when the context carries one.
func ServiceLogger(base *zap.Logger, name string) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	named := base.Named(name)
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := named
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx).Named(name)
		}
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for key, value := range fields {
			zFields = append(zFields, zap.Any(key, value))
		}
		if strings.HasSuffix(event, "_failed") {
			logger.Warn(name+" event", zFields...)
			return
		}
		logger.Debug(name+" event", zFields...)
	}
}

// PrintfAdapter adapts zap to the context-aware Printf logger expected by go-redis.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements redis' internal.Logging.
func (a PrintfAdapter) Printf(_ context.Context, format string, args ...any) {
	a.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

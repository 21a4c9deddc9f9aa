package feishu

import (
	"context"
	"fmt"
	"log/slog"
)

// larkLogger routes SDK logs through slog.
type larkLogger struct {
	logger *slog.Logger
}

func newLarkLogger(log *slog.Logger) *larkLogger {
	if log == nil {
		log = slog.Default()
	}
	return &larkLogger{logger: log.With(slog.String("component", "lark_sdk"))}
}

func (l *larkLogger) Debug(ctx context.Context, args ...interface{}) {
	l.logger.DebugContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Info(ctx context.Context, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Warn(ctx context.Context, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprint(args...))
}

func (l *larkLogger) Error(ctx context.Context, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprint(args...))
}

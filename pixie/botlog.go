package pixie

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
)

// BotLogWriter appends operational events to the bot_logs table.
// Failures to record are logged and swallowed: telemetry must never
// break the flow being recorded.
type BotLogWriter struct {
	db     DBI
	logger *slog.Logger
}

func NewBotLogWriter(db DBI, logger *slog.Logger) *BotLogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BotLogWriter{
		db:     db,
		logger: logger.With(loggerNameKey, "bot_log"),
	}
}

// Record writes one event row.
func (w *BotLogWriter) Record(
	ctx context.Context,
	level string,
	message string,
	metadata map[string]any,
) {
	entry := NewBotLog(level, message, metadata)
	if _, err := w.db.Create(ctx, entry); err != nil {
		w.logger.ErrorContext(
			ctx,
			"failed to record bot log",
			tint.Err(err),
			slog.String("message", message),
		)
	}
}

// Recent returns the newest limit rows, for the admin API.
func (w *BotLogWriter) Recent(ctx context.Context, limit int) ([]BotLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []BotLog
	err := w.db.DB().WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/signals"
)

// LogSink writes every event as a debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []signals.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("signal", string(evt.Signal)),
			zap.String("request_id", evt.RequestID.String()),
			zap.String("spider", evt.Spider),
			zap.String("slot", evt.Slot),
			zap.String("method", evt.Method),
			zap.String("url", evt.URL),
		}
		if evt.Signal == signals.ResponseDownloaded {
			fields = append(fields,
				zap.Int("status", evt.Status),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("downloader signal", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

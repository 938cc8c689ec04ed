package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/feedspider/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
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

// Consume logs each event in the batch using structured fields. Failures log
// at warn level, page chatter at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Type)),
			zap.String("spider_id", evt.SpiderID),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Status != 0 {
			fields = append(fields, zap.Int("status", evt.Status))
		}
		if evt.Retries > 0 {
			fields = append(fields, zap.Int("retries", evt.Retries))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Err != nil {
			fields = append(fields, zap.Error(evt.Err))
		}
		if ce := s.logger.Check(levelFor(evt.Type), "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func levelFor(t progress.Type) zapcore.Level {
	switch t {
	case progress.JobFail, progress.JobDiscard, progress.SpiderFail, progress.PageError:
		return zapcore.WarnLevel
	case progress.PageLog, progress.PageAlert, progress.PageNavigation:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

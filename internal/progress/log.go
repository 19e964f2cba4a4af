package progress

import (
	"go.uber.org/zap"
)

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit implements Emitter.
func (s *LogSink) Emit(evt Event) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields, zap.String("stage", string(evt.Stage)))
	if evt.Species != "" {
		fields = append(fields, zap.String("species", evt.Species))
	}
	if evt.MediaID != 0 {
		fields = append(fields, zap.Int64("media_id", evt.MediaID))
	}
	if evt.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", evt.StatusCode))
	}
	if evt.Count != 0 {
		fields = append(fields, zap.Int("count", evt.Count))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}

	switch evt.Stage {
	case StageDownloadFail:
		s.logger.Warn("pipeline event", fields...)
	default:
		s.logger.Info("pipeline event", fields...)
	}
}

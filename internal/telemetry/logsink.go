package telemetry

import "go.uber.org/zap"

// LogSink mirrors every event to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Consume(ev Event) {
	fields := []zap.Field{
		zap.Uint64("seq", ev.Seq),
		zap.String("kind", ev.Kind.String()),
		zap.Time("at", ev.At),
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	// Snapshot updates arrive every tick; keep them out of the info log.
	if ev.Kind == EventSnapshotUpdate {
		s.log.Debug("event", fields...)
		return
	}
	s.log.Info("event", fields...)
}

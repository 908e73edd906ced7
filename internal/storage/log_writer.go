package storage

import "go.uber.org/zap"

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DispatchEvent) {
	fields := []zap.Field{
		zap.String("request_id", event.RequestID),
		zap.String("session_id", event.SessionID),
		zap.String("tool_id", event.ToolID),
		zap.Int32("tool_version", event.ToolVersion),
		zap.String("mode", event.Mode),
		zap.String("outcome", event.Outcome),
		zap.Float32("latency_ms", event.LatencyMs),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.Violation {
		fields = append(fields, zap.Bool("violation", true))
	}
	w.logger.Info("tool_dispatch_event", fields...)
}

func (w *LogWriter) Close() {}

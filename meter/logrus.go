package meter

import (
	"github.com/sirupsen/logrus"

	"github.com/lumenlab/keygate"
)

// LogrusMeter logs gateway events through a logrus logger, for applications
// already standardized on logrus.
type LogrusMeter struct {
	Logger logrus.FieldLogger
}

var _ keygate.Meter = (*LogrusMeter)(nil)

// NewLogrusMeter creates a LogrusMeter with the given logger.
// If logger is nil, the logrus standard logger is used.
func NewLogrusMeter(logger logrus.FieldLogger) *LogrusMeter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusMeter{Logger: logger}
}

func (m *LogrusMeter) OnDispatch(e keygate.DispatchEvent) {
	m.Logger.WithFields(logrus.Fields{
		"provider": e.Provider,
		"model":    e.Model,
		"key":      e.Key,
		"attempt":  e.Attempt,
		"priority": e.Priority,
	}).Info("dispatch")
}

func (m *LogrusMeter) OnRateLimit(e keygate.RateLimitEvent) {
	m.Logger.WithFields(logrus.Fields{
		"provider": e.Provider,
		"key":      e.Key,
		"kind":     string(e.Kind),
		"reset_at": e.ResetAt,
	}).Warn("rate_limited")
}

func (m *LogrusMeter) OnResult(e keygate.ResultEvent) {
	fields := logrus.Fields{
		"provider":    e.Provider,
		"model":       e.Model,
		"key":         e.Key,
		"attempts":    e.Attempts,
		"duration_ms": e.Duration.Milliseconds(),
	}
	if e.Success {
		fields["chunks"] = e.Chunks
		m.Logger.WithFields(fields).Info("result")
		return
	}
	fields["error"] = e.Error
	m.Logger.WithFields(fields).Warn("result_error")
}

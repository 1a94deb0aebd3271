package meter

import (
	"log/slog"

	"github.com/lumenlab/keygate"
)

// LogMeter logs gateway events using slog. Key fields arrive pre-masked
// from the gateway.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keygate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDispatch(e keygate.DispatchEvent) {
	m.Logger.Info("dispatch",
		"provider", e.Provider,
		"model", e.Model,
		"key", e.Key,
		"attempt", e.Attempt,
		"priority", e.Priority,
	)
}

func (m *LogMeter) OnRateLimit(e keygate.RateLimitEvent) {
	m.Logger.Warn("rate_limited",
		"provider", e.Provider,
		"key", e.Key,
		"kind", string(e.Kind),
		"reset_at", e.ResetAt,
	)
}

func (m *LogMeter) OnResult(e keygate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"model", e.Model,
			"key", e.Key,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"chunks", e.Chunks,
		)
	} else {
		m.Logger.Warn("result_error",
			"provider", e.Provider,
			"model", e.Model,
			"key", e.Key,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

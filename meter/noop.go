package meter

import "github.com/lumenlab/keygate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keygate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDispatch(keygate.DispatchEvent)   {}
func (m *NoopMeter) OnRateLimit(keygate.RateLimitEvent) {}
func (m *NoopMeter) OnResult(keygate.ResultEvent)       {}

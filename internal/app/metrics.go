package app

// Metrics receives engine counters. internal/metrics provides the Prometheus implementation.
type Metrics interface {
	CommandHandled(command string, err error)
	BuzzerClaim(accepted bool)
	SubscribersChanged(delta int)
	SessionsLoaded(n int)
}

type noopMetrics struct{}

func (noopMetrics) CommandHandled(string, error) {}
func (noopMetrics) BuzzerClaim(bool)             {}
func (noopMetrics) SubscribersChanged(int)       {}
func (noopMetrics) SessionsLoaded(int)           {}

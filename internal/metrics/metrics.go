// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blindtest-service/internal/domain"
)

// Recorder implements app.Metrics on its own registry.
type Recorder struct {
	registry      *prometheus.Registry
	commands      *prometheus.CounterVec
	buzzerClaims  *prometheus.CounterVec
	subscribers   prometheus.Gauge
	sessionsTotal prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blindtest_commands_total",
			Help: "Session commands handled, by command and result code.",
		}, []string{"command", "result"}),
		buzzerClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blindtest_buzzer_claims_total",
			Help: "Buzzer claims, by outcome.",
		}, []string{"result"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blindtest_subscribers",
			Help: "Open session subscriptions.",
		}),
		sessionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blindtest_sessions_loaded",
			Help: "Sessions held in memory.",
		}),
	}
	r.registry.MustRegister(
		r.commands, r.buzzerClaims, r.subscribers, r.sessionsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) CommandHandled(command string, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.CodeOf(err))
	}
	r.commands.WithLabelValues(command, result).Inc()
}

func (r *Recorder) BuzzerClaim(accepted bool) {
	result := "rejected"
	if accepted {
		result = "won"
	}
	r.buzzerClaims.WithLabelValues(result).Inc()
}

func (r *Recorder) SubscribersChanged(delta int) {
	r.subscribers.Add(float64(delta))
}

func (r *Recorder) SessionsLoaded(n int) {
	r.sessionsTotal.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry is exposed for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

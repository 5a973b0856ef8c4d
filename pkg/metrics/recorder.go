// Package metrics records orchestration counters and exposes them over
// HTTP in Prometheus format. Each run also leaves a plain-text snapshot
// on disk so history survives without a scrape target.
package metrics

import (
	"bytes"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"drover/pkg/logx"
	"drover/pkg/utils"
)

// Iteration outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder owns a private registry so multiple recorders can coexist in
// one process (tests, mostly).
type Recorder struct {
	registry *prometheus.Registry

	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	rateLimitedTotal  *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	backlogItems      *prometheus.GaugeVec
	promptTokens      prometheus.Histogram
}

// NewRecorder creates a recorder with all collectors registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_iterations_total",
				Help: "Completed loop iterations by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		iterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_iteration_duration_seconds",
				Help:    "Wall-clock duration of agent invocations",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"agent"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_rate_limited_total",
				Help: "Rate limit detections by agent",
			},
			[]string{"agent"},
		),
		fallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_fallback_switches_total",
				Help: "Fallback reroutes from one agent to another",
			},
			[]string{"from", "to"},
		),
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drover_mailbox_commands_total",
				Help: "Mailbox commands applied by kind",
			},
			[]string{"command"},
		),
		backlogItems: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drover_backlog_items",
				Help: "Backlog composition by state",
			},
			[]string{"state"},
		),
		promptTokens: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "drover_prompt_tokens",
				Help:    "Estimated token count of composed prompts",
				Buckets: prometheus.ExponentialBuckets(256, 2, 10),
			},
		),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveIteration records one finished iteration.
func (r *Recorder) ObserveIteration(agent, outcome string, duration time.Duration) {
	r.iterationsTotal.WithLabelValues(agent, outcome).Inc()
	r.iterationDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// IncRateLimited counts a rate limit detection against agent.
func (r *Recorder) IncRateLimited(agent string) {
	r.rateLimitedTotal.WithLabelValues(agent).Inc()
}

// IncFallback counts a reroute from one agent to another.
func (r *Recorder) IncFallback(from, to string) {
	r.fallbackTotal.WithLabelValues(from, to).Inc()
}

// IncCommand counts an applied mailbox command.
func (r *Recorder) IncCommand(command string) {
	r.commandsTotal.WithLabelValues(command).Inc()
}

// SetBacklog updates the backlog composition gauges.
func (r *Recorder) SetBacklog(total, passed, skipped int) {
	r.backlogItems.WithLabelValues("total").Set(float64(total))
	r.backlogItems.WithLabelValues("passed").Set(float64(passed))
	r.backlogItems.WithLabelValues("skipped").Set(float64(skipped))
}

// ObservePromptTokens records the estimated size of a composed prompt.
func (r *Recorder) ObservePromptTokens(tokens int) {
	r.promptTokens.Observe(float64(tokens))
}

// WriteSnapshot gathers the current state and writes it to path in the
// Prometheus text format.
func (r *Recorder) WriteSnapshot(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return logx.Wrap(err, "gather metrics")
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return logx.Wrap(err, "encode metrics snapshot")
		}
	}

	return logx.Wrap(utils.AtomicWriteFile(path, buf.Bytes(), 0o644), "write metrics snapshot")
}

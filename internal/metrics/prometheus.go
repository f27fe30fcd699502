// Package metrics exports dispatch metrics to Prometheus.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook intake outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeIgnored     = "ignored"
	OutcomeUnmatched   = "unmatched"
	OutcomeMalformed   = "malformed"
	OutcomeQueueFull   = "queue_full"
	OutcomeRejected    = "unauthorized"
	OutcomeRateLimited = "rate_limited"
)

// PrometheusSink records webhook intake, polling and build scheduling.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	logger *slog.Logger
	reg    prometheus.Registerer

	webhooksTotal   *prometheus.CounterVec
	dispatchedTotal prometheus.Counter
	pollsTotal      *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

// NewPrometheusSink creates the sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrometheusSink{logger: logger, reg: reg}

	s.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitbucket_hook_webhooks_total",
		Help: "Total number of webhook deliveries by outcome.",
	}, []string{"outcome"})
	s.dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitbucket_hook_dispatch_requests_total",
		Help: "Total number of dispatch requests enqueued.",
	})
	s.pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitbucket_hook_polls_total",
		Help: "Total number of SCM polls by outcome.",
	}, []string{"outcome"})
	s.pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbucket_hook_poll_duration_seconds",
		Help:    "Duration of SCM polls in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitbucket_hook_runs_total",
		Help: "Total number of dispatch runs by result.",
	}, []string{"result"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbucket_hook_run_duration_seconds",
		Help:    "Duration of dispatch runs in seconds, from poll to schedule.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	s.register(s.webhooksTotal, "bitbucket_hook_webhooks_total")
	s.register(s.dispatchedTotal, "bitbucket_hook_dispatch_requests_total")
	s.register(s.pollsTotal, "bitbucket_hook_polls_total")
	s.register(s.pollDuration, "bitbucket_hook_poll_duration_seconds")
	s.register(s.runsTotal, "bitbucket_hook_runs_total")
	s.register(s.runDuration, "bitbucket_hook_run_duration_seconds")
	return s
}

// TrackQueue exports the queue occupancy reported by stats.
func (s *PrometheusSink) TrackQueue(stats func() (jobs, active, pending int)) {
	gauge := func(name, help string, pick func(jobs, active, pending int) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}
	s.register(gauge("bitbucket_hook_queue_jobs", "Number of job queues.",
		func(j, _, _ int) int { return j }), "bitbucket_hook_queue_jobs")
	s.register(gauge("bitbucket_hook_queue_active", "Number of job queues being drained.",
		func(_, a, _ int) int { return a }), "bitbucket_hook_queue_active")
	s.register(gauge("bitbucket_hook_queue_pending", "Number of pending dispatch requests.",
		func(_, _, p int) int { return p }), "bitbucket_hook_queue_pending")
}

func (s *PrometheusSink) register(c prometheus.Collector, name string) {
	if err := s.reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", slog.String("metric", name), slog.String("error", err.Error()))
	}
}

// WebhookReceived counts one webhook delivery.
func (s *PrometheusSink) WebhookReceived(outcome string) {
	s.webhooksTotal.WithLabelValues(outcome).Inc()
}

// RequestsDispatched counts enqueued dispatch requests.
func (s *PrometheusSink) RequestsDispatched(n int) {
	s.dispatchedTotal.Add(float64(n))
}

// ObservePoll records one poll.
func (s *PrometheusSink) ObservePoll(changed bool, err error, d time.Duration) {
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case changed:
		outcome = "changed"
	}
	s.pollsTotal.WithLabelValues(outcome).Inc()
	s.pollDuration.Observe(d.Seconds())
}

// ObserveRun records the result of one dispatch run.
func (s *PrometheusSink) ObserveRun(result string, d time.Duration) {
	s.runsTotal.WithLabelValues(result).Inc()
	s.runDuration.Observe(d.Seconds())
}

// Package metrics exposes dispatch counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"commhub/internal/dispatch"
	kit "commhub/internal/transport"
)

// Collector turns dispatch events into Prometheus series. It implements
// dispatch.Observer.
type Collector struct {
	runs       *prometheus.CounterVec
	recipients *prometheus.CounterVec
	sendTime   *prometheus.HistogramVec
	runTime    *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	lastRun    *prometheus.GaugeVec
}

var _ dispatch.Observer = (*Collector)(nil)

// NewCollector registers the series on reg (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		// Labels:
		// - channel: "email" or "chat"
		// - outcome: "clean" (no failures), "partial" or "cancelled"
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "runs_total",
			Help:      "Finished dispatch runs",
		}, []string{"channel", "outcome"}),

		// Labels:
		// - channel: "email" or "chat"
		// - status:  "sent" or "failed"
		recipients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "recipients_total",
			Help:      "Recipients processed, by result",
		}, []string{"channel", "status"}),

		sendTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one message, pacing excluded",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"channel"}),

		runTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a dispatch run, pacing included",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"channel"}),

		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "runs_in_progress",
			Help:      "Dispatch runs currently sending",
		}, []string{"channel"}),

		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "commhub",
			Subsystem: "dispatch",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}, []string{"channel"}),
	}
}

func (c *Collector) RunStarted(_, _ string, ch kit.Channel, _ int) {
	c.inFlight.WithLabelValues(label(ch)).Inc()
}

func (c *Collector) RecipientDone(p dispatch.Progress) {
	ch := label(p.Channel)
	status := "sent"
	if !p.OK {
		status = "failed"
	}
	c.recipients.WithLabelValues(ch, status).Inc()
	c.sendTime.WithLabelValues(ch).Observe(p.Took.Seconds())
}

func (c *Collector) RunFinished(res dispatch.Result) {
	ch := label(res.Channel)
	c.inFlight.WithLabelValues(ch).Dec()
	c.runs.WithLabelValues(ch, outcome(res)).Inc()
	c.runTime.WithLabelValues(ch).Observe(res.Duration().Seconds())
	if !res.FinishedAt.IsZero() {
		c.lastRun.WithLabelValues(ch).Set(float64(res.FinishedAt.Unix()))
	}
}

func outcome(res dispatch.Result) string {
	switch {
	case res.Attempted < res.Total:
		return "cancelled"
	case res.Failed() > 0:
		return "partial"
	default:
		return "clean"
	}
}

func label(ch kit.Channel) string {
	if ch == "" {
		return "unknown"
	}
	return string(ch)
}

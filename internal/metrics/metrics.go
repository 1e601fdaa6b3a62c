package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects pipeline counters on a private registry. A nil Recorder records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	polls       *prometheus.CounterVec
	routed      *prometheus.CounterVec
	digests     *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	nextFire    prometheus.Gauge
}

// New registers all collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsdigest",
			Name:      "polls_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsdigest",
			Name:      "messages_routed_total",
			Help:      "Inbound messages by routing decision.",
		}, []string{"route"}),
		digests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsdigest",
			Name:      "digests_total",
			Help:      "Digest and repost runs by outcome.",
		}, []string{"kind", "outcome"}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsdigest",
			Name:      "page_fetches_total",
			Help:      "Content extractor calls by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newsdigest",
			Name:      "job_duration_seconds",
			Help:      "Wall time of digest and repost jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		nextFire: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "newsdigest",
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next scheduled digest, 0 when idle.",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Poll(result string) {
	if r != nil {
		r.polls.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) Routed(route string) {
	if r != nil {
		r.routed.WithLabelValues(route).Inc()
	}
}

func (r *Recorder) Digest(kind, outcome string) {
	if r != nil {
		r.digests.WithLabelValues(kind, outcome).Inc()
	}
}

func (r *Recorder) Fetch(ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.fetches.WithLabelValues(outcome).Inc()
}

func (r *Recorder) JobDone(kind string, elapsed time.Duration) {
	if r != nil {
		r.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// NextFire records the armed timestamp; the zero time means idle.
func (r *Recorder) NextFire(at time.Time) {
	if r == nil {
		return
	}
	if at.IsZero() {
		r.nextFire.Set(0)
		return
	}
	r.nextFire.Set(float64(at.Unix()))
}

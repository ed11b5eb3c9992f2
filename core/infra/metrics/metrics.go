package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the request pipeline.
type Metrics interface {
	IncRequestsQueued()
	IncStageCompleted(stage, status string)
	ObserveGenerationDuration(seconds float64)
	SetQueueDepth(stage string, depth int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncRequestsQueued()                {}
func (Noop) IncStageCompleted(string, string)  {}
func (Noop) ObserveGenerationDuration(float64) {}
func (Noop) SetQueueDepth(string, int)         {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requestsQueued prometheus.Counter
	stageCompleted *prometheus.CounterVec
	genDuration    prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		requestsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_queued_total",
			Help:      "Generation requests accepted into the pipeline",
		}),
		stageCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_completed_total",
			Help:      "Stage completions by stage and outcome",
		}, []string{"stage", "status"}),
		genDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall-clock time spent in the generation stage",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued request ids per stage",
		}, []string{"stage"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.requestsQueued, p.stageCompleted, p.genDuration, p.queueDepth)
	})
}

func (p *Prom) IncRequestsQueued() {
	p.requestsQueued.Inc()
}

func (p *Prom) IncStageCompleted(stage, status string) {
	p.stageCompleted.WithLabelValues(stage, status).Inc()
}

func (p *Prom) ObserveGenerationDuration(seconds float64) {
	p.genDuration.Observe(seconds)
}

func (p *Prom) SetQueueDepth(stage string, depth int) {
	p.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// ObserveSince records the generation duration elapsed since start.
func ObserveSince(m Metrics, start time.Time) {
	if m != nil {
		m.ObserveGenerationDuration(time.Since(start).Seconds())
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

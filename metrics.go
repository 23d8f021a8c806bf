package runpipe

import (
	"github.com/fogfactory/runpipe/perf"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the status of every registry pool as gauges labelled by step.
type Collector struct {
	registry *Registry
	running  *prometheus.Desc
	queued   *prometheus.Desc
	limit    *prometheus.Desc
}

// NewCollector builds a collector reading registry on every scrape.
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		running: prometheus.NewDesc("runpipe_pool_running_tasks",
			"Number of tasks running in the pool of a step", []string{"step"}, nil),
		queued: prometheus.NewDesc("runpipe_pool_queued_tasks",
			"Number of tasks waiting for a slot in the pool of a step", []string{"step"}, nil),
		limit: prometheus.NewDesc("runpipe_pool_concurrency_limit",
			"Concurrency limit of the pool of a step", []string{"step"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.queued
	ch <- c.limit
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for step, st := range c.registry.Status() {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(st.Running), step)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.Queued), step)
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(st.Limit), step)
	}
}

// StepObserver turns recorded spans into a step duration histogram. Plug Observe into
// perf.WithObserver.
type StepObserver struct {
	durations *prometheus.HistogramVec
}

// NewStepObserver builds an observer with buckets suited to calls of an LLM backed service.
func NewStepObserver() *StepObserver {
	return &StepObserver{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runpipe_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"step", "outcome"}),
	}
}

// Observe records span.
func (o *StepObserver) Observe(span perf.Span) {
	outcome := "success"
	if !span.Success {
		outcome = "failure"
	}
	o.durations.WithLabelValues(span.Step, outcome).Observe(span.Duration.Seconds())
}

func (o *StepObserver) Describe(ch chan<- *prometheus.Desc) { o.durations.Describe(ch) }

func (o *StepObserver) Collect(ch chan<- prometheus.Metric) { o.durations.Collect(ch) }

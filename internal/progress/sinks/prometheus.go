package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/feedspider/internal/metrics"
	"github.com/JakeFAU/feedspider/internal/progress"
)

// PrometheusSink exports spider progress via Prometheus. It owns the
// collectors for job outcomes, in-flight jobs, attempt latency and page events.
type PrometheusSink struct {
	jobsAdded     prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRetried   prometheus.Counter
	jobsRunning   prometheus.Gauge
	spiderRuns    *prometheus.CounterVec

	fetchDuration *prometheus.HistogramVec
	pageEvents    *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedspider_jobs_added_total",
			Help: "Total jobs admitted into a spider.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedspider_jobs_started_total",
			Help: "Total job attempts dispatched.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedspider_job_attempts_completed_total",
			Help: "Job attempts completed partitioned by result.",
		}, []string{"result"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedspider_jobs_retried_total",
			Help: "Total retries granted to failed jobs.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedspider_jobs_running",
			Help: "Current number of in-flight jobs.",
		}),
		spiderRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedspider_spider_runs_total",
			Help: "Finished spider runs partitioned by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedspider_fetch_duration_seconds",
			Help:    "Attempt duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		pageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedspider_page_events_total",
			Help: "Page notifications relayed by the engine, partitioned by type.",
		}, []string{"type"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsAdded,
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRetried,
		s.jobsRunning,
		s.spiderRuns,
		s.fetchDuration,
		s.pageEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type.Scope() {
	case "job":
		s.handleJobEvent(evt)
	case "page":
		s.pageEvents.WithLabelValues(string(evt.Type)).Inc()
	case "spider":
		switch evt.Type {
		case progress.SpiderSuccess:
			s.spiderRuns.WithLabelValues("success").Inc()
		case progress.SpiderFail:
			s.spiderRuns.WithLabelValues("fail").Inc()
		}
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Type {
	case progress.JobAdd:
		s.jobsAdded.Inc()
		return
	case progress.JobRetry:
		s.jobsRetried.Inc()
		return
	case progress.JobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.JobSuccess:
		s.jobsCompleted.WithLabelValues("success").Inc()
		s.observeFetch(evt)
	case progress.JobFail:
		s.jobsCompleted.WithLabelValues("fail").Inc()
		s.observeFetch(evt)
	case progress.JobDiscard:
		s.jobsCompleted.WithLabelValues("discard").Inc()
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	if evt.Dur <= 0 {
		return
	}
	site := metrics.SanitizeSite(evt.URL)
	statusClass := string(progress.ClassifyStatus(evt.Status))
	s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

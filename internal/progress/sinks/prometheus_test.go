package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedspider/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow a job through a retry.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := uuid.NewString()
	now := time.Now()
	base := progress.Event{SpiderID: "spider", JobID: jobID, TS: now, URL: "https://Example.com/p/1"}
	with := func(t progress.Type, mutate func(*progress.Event)) progress.Event {
		evt := base
		evt.Type = t
		if mutate != nil {
			mutate(&evt)
		}
		return evt
	}
	batch := []progress.Event{
		with(progress.JobAdd, nil),
		with(progress.JobStart, nil),
		with(progress.JobFail, func(e *progress.Event) {
			e.Status, e.Dur, e.Err = 404, 120*time.Millisecond, errors.New("status 404")
		}),
		with(progress.JobRetry, func(e *progress.Event) { e.Retries = 1 }),
		with(progress.JobStart, nil),
		with(progress.PageLog, nil),
		with(progress.JobSuccess, func(e *progress.Event) { e.Status, e.Dur = 200, 80*time.Millisecond }),
		{Type: progress.SpiderSuccess, SpiderID: "spider", TS: now},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsAdded))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("fail")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRetried))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageEvents.WithLabelValues("page:log")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.spiderRuns.WithLabelValues("success")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.fetchDuration, "feedspider_fetch_duration_seconds"))
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Type: progress.JobStart, SpiderID: "s", JobID: "a", TS: now},
		{Type: progress.JobStart, SpiderID: "s", JobID: "b", TS: now},
		{Type: progress.JobDiscard, SpiderID: "s", JobID: "a", TS: now},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("discard")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

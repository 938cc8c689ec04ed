package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/feedspider/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	batch := []progress.Event{
		{Type: progress.JobStart, SpiderID: "s", JobID: "j", TS: now, URL: "https://example.com"},
		{Type: progress.JobFail, SpiderID: "s", JobID: "j", TS: now, Status: 503, Err: errors.New("status 503")},
		{Type: progress.PageLog, SpiderID: "s", JobID: "j", TS: now},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 2, "debug page events are filtered at info level")
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "job:start", entries[0].ContextMap()["event"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.EqualValues(t, 503, entries[1].ContextMap()["status"])
	require.NoError(t, sink.Close(context.Background()))
}

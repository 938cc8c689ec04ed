package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		t       Type
		want    bool
	}{
		{"*", SpiderEnd, true},
		{"job:*", JobRetry, true},
		{"job:*", SpiderStart, false},
		{"page:*", PageNavigation, true},
		{"job:success", JobSuccess, true},
		{"job:success", JobFail, false},
		{"job", JobFail, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.t), "%s vs %s", tc.pattern, tc.t)
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var got []Type
	bus.On("*", func(evt Event) { got = append(got, evt.Type) })
	var jobs int
	bus.On("job:*", func(Event) { jobs++ })

	for _, typ := range []Type{SpiderStart, JobAdd, JobStart, JobSuccess, SpiderEnd} {
		bus.Publish(sampleEvent(typ))
	}
	assert.Equal(t, []Type{SpiderStart, JobAdd, JobStart, JobSuccess, SpiderEnd}, got)
	assert.Equal(t, 3, jobs)
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var count int
	off := bus.On(string(JobFail), func(Event) { count++ })
	bus.On("*", func(Event) {})
	require.Equal(t, 2, bus.Len())

	bus.Publish(sampleEvent(JobFail))
	off()
	off()
	bus.Publish(sampleEvent(JobFail))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, bus.Len())

	bus.Close()
	assert.Zero(t, bus.Len())
	bus.On("*", func(Event) { count++ })
	bus.Publish(sampleEvent(JobFail))
	assert.Equal(t, 1, count)
}

func TestBusRecoversHandlerPanics(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var reached bool
	bus.On("*", func(Event) { panic("listener bug") })
	bus.On("*", func(Event) { reached = true })

	require.NotPanics(t, func() { bus.Publish(sampleEvent(JobAdd)) })
	assert.True(t, reached)
}

func TestHandlersMaySubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var late int
	bus.On(string(JobAdd), func(Event) {
		bus.On(string(JobAdd), func(Event) { late++ })
	})
	bus.Publish(sampleEvent(JobAdd))
	assert.Zero(t, late)
	bus.Publish(sampleEvent(JobAdd))
	assert.Equal(t, 1, late)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, Event{Type: SpiderStart, SpiderID: "s", TS: now}.Validate())
	require.Error(t, Event{Type: "job:explode", SpiderID: "s", TS: now}.Validate())
	require.Error(t, Event{Type: JobAdd, SpiderID: "s", TS: now}.Validate())
	require.Error(t, Event{Type: SpiderStart, TS: now}.Validate())
	require.Error(t, Event{Type: SpiderStart, SpiderID: "s"}.Validate())
	require.Error(t, Event{Type: JobFail, SpiderID: "s", JobID: "j", TS: now, Dur: -time.Second}.Validate())
	assert.Equal(t, "page", PageAlert.Scope())
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

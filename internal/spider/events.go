package spider

import (
	"context"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/progress"
)

// emitLocked queues evt for delivery on the control goroutine.
func (s *Spider) emitLocked(evt progress.Event) {
	evt.SpiderID = s.id
	if evt.TS.IsZero() {
		evt.TS = s.clock.Now()
	}
	s.events = append(s.events, evt)
}

func (s *Spider) emit(evt progress.Event) {
	s.mu.Lock()
	s.emitLocked(evt)
	s.mu.Unlock()
}

// flush delivers queued events in order. Handlers may queue more events;
// those are delivered in the same call.
func (s *Spider) flush() {
	for {
		s.mu.Lock()
		batch := s.events
		s.events = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, evt := range batch {
			s.bus.Publish(evt)
		}
	}
}

func jobEvent(t progress.Type, j *job.Job) progress.Event {
	evt := progress.Event{
		Type:    t,
		JobID:   j.ID,
		URL:     j.Request.URL,
		Retries: j.Request.Retries,
	}
	if j.Response != nil {
		evt.Status = j.Response.Status
	}
	return evt
}

// OnPage implements engine.Observer. Page events are queued and delivered on
// the control goroutine.
func (s *Spider) OnPage(j *job.Job, ev engine.PageEvent) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	evt := progress.Event{Type: progress.Type(ev.Name), JobID: j.ID, URL: ev.URL}
	if len(ev.Data) > 0 {
		evt.Data = ev.Data
	}
	s.emitLocked(evt)
	s.mu.Unlock()
	s.poke()
}

// OnNavigation implements engine.Observer.
func (s *Spider) OnNavigation(_ context.Context, j *job.Job, url string) (string, bool) {
	s.mu.Lock()
	fn := s.onNav
	s.mu.Unlock()
	if fn == nil {
		return "", false
	}
	script := fn(j, url)
	return script, script != ""
}

package spider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/progress"
)

// Submit normalizes feed and admits one job per location it describes. Feeds
// past Options.Limit are rejected with ErrLimitReached; the ones before it
// stay admitted.
func (s *Spider) Submit(feed any) error {
	spec, err := job.Parse(feed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrFinished
	}
	_, err = s.admitLocked(spec)
	s.mu.Unlock()
	s.poke()
	return err
}

// AddFeed admits feed into a running spider. It behaves like Submit and
// exists for callers adding work from callbacks.
func (s *Spider) AddFeed(feed any) error {
	return s.Submit(feed)
}

func (s *Spider) admitLocked(spec job.Spec) (int, error) {
	admitted := 0
	for _, feed := range spec.Flatten() {
		if s.opts.Limit > 0 && s.index >= s.opts.Limit {
			return admitted, fmt.Errorf("%w: %d", ErrLimitReached, s.opts.Limit)
		}
		id, err := s.ids.NewID()
		if err != nil {
			return admitted, fmt.Errorf("job id: %w", err)
		}
		j, err := job.New(id, feed, s.defaultsLocked())
		if err != nil {
			return admitted, err
		}
		s.index++
		s.queue.Push(j)
		s.emitLocked(progress.Event{Type: progress.JobAdd, JobID: j.ID, URL: j.Request.URL})
		admitted++
	}
	return admitted, nil
}

// iterate consults the iterator when it is due and the pending list is empty.
// It runs on the control goroutine and calls the iterator without the lock.
func (s *Spider) iterate() {
	s.mu.Lock()
	if s.iterator == nil || s.iterDone || !s.iterDue || s.queue.Paused() || s.queue.Len() > 0 {
		s.mu.Unlock()
		return
	}
	s.iterDue = false
	if s.opts.Limit > 0 && s.index >= s.opts.Limit {
		s.iterDone = true
		s.mu.Unlock()
		return
	}
	fn, index, last, lastRes := s.iterator, s.index, s.lastReq, s.lastRes
	s.mu.Unlock()

	feed := s.callIterator(fn, index, last, lastRes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if falsy(feed) {
		s.iterDone = true
		s.logger.Debug("iterator exhausted", zap.Int("index", index))
		return
	}
	spec, err := job.Parse(feed)
	admitted := 0
	if err == nil {
		admitted, err = s.admitLocked(spec)
	}
	if err != nil {
		s.iterDone = true
		s.logger.Warn("iterator stopped", zap.Int("index", index), zap.Error(err))
		return
	}
	if admitted == 0 {
		// Nothing new will complete to make the iterator due again.
		s.iterDone = true
	}
}

func (s *Spider) callIterator(fn IteratorFunc, index int, last *job.Request, lastRes *job.Response) (feed any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("iterator panicked", zap.Any("panic", r))
			feed = nil
		}
	}()
	return fn(index, last, lastRes)
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case *job.Feed:
		return t == nil
	case job.Spec:
		return len(t.Flatten()) == 0
	}
	return false
}

package spider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/policy/ratelimit"
	"github.com/JakeFAU/feedspider/internal/progress"
	"github.com/JakeFAU/feedspider/internal/retry"
)

type outcome struct {
	job *job.Job
	err error
	dur time.Duration
}

// Run drives the spider until the queue drains and the iterator is exhausted,
// or until a spider-fatal condition. The returned error is nil unless the run
// was fatal (ErrBeforeFailed, engine.ErrEngineLost, ErrStopped); per-job
// failures are reported only through Remains, callbacks and events.
func (s *Spider) Run(ctx context.Context) (Remains, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	s.started = true
	s.state = StateRunning
	if s.queue.Paused() {
		s.state = StatePaused
	}
	s.iterDue = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	// Feeds submitted before Run queued their job:add events already.
	queued := s.events
	s.events = nil
	s.emitLocked(progress.Event{Type: progress.SpiderStart})
	s.events = append(s.events, queued...)
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("spider started",
		zap.Int("concurrency", s.queue.Capacity()),
		zap.Int("pending", s.queue.Len()))
	s.flush()

	if s.fatalErr() == nil {
		if err := s.pipeline.RunBefore(runCtx); err != nil {
			s.setFatal(fmt.Errorf("%w: %w", ErrBeforeFailed, err))
		}
	}

	for {
		if runCtx.Err() != nil {
			s.setFatal(fmt.Errorf("%w: %w", ErrStopped, context.Cause(runCtx)))
		}
		if s.fatalErr() != nil {
			break
		}
		s.iterate()
		s.dispatch(runCtx)
		s.flush()
		if s.drained() {
			break
		}
		select {
		case o := <-s.results:
			s.settle(o)
		case <-s.wake:
		case <-runCtx.Done():
			s.setFatal(fmt.Errorf("%w: %w", ErrStopped, context.Cause(runCtx)))
		}
	}
	return s.finish(ctx, cancel)
}

// Stop ends the run: pending and in-flight jobs go to remains and Run
// returns ErrStopped.
func (s *Spider) Stop() {
	s.setFatal(ErrStopped)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.poke()
}

func (s *Spider) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil && !s.state.terminal() {
		s.fatal = err
	}
	s.mu.Unlock()
}

func (s *Spider) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Spider) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queue.Idle() {
		return false
	}
	return s.iterator == nil || s.iterDone
}

// dispatch admits pending jobs into free slots and starts their attempts.
func (s *Spider) dispatch(ctx context.Context) {
	for {
		j, ok := s.queue.Next()
		if !ok {
			return
		}
		s.mu.Lock()
		req := j.Request
		if req.Extraction.Func == nil && req.Extraction.Script == "" {
			req.Extraction = s.extraction
		}
		if req.Timeout <= 0 {
			req.Timeout = s.opts.Timeout
		}
		validators := slices.Clone(s.validators)
		throttle := s.throttle
		if err := j.Transition(job.StateRunning); err != nil {
			s.logger.Error("dispatch", zap.String("job_id", j.ID), zap.Error(err))
		}
		s.emitLocked(jobEvent(progress.JobStart, j))
		s.mu.Unlock()

		go s.attempt(ctx, j, throttle, validators)
	}
}

func (s *Spider) attempt(ctx context.Context, j *job.Job, throttle *ratelimit.Limiter, validators []Validator) {
	start := s.clock.Now()
	err := s.runAttempt(ctx, j, throttle, validators)
	s.results <- outcome{job: j, err: err, dur: s.clock.Now().Sub(start)}
}

func (s *Spider) runAttempt(ctx context.Context, j *job.Job, throttle *ratelimit.Limiter, validators []Validator) error {
	if err := throttle.Wait(ctx, j.Request.URL); err != nil {
		return err
	}
	if err := s.pipeline.RunBeforeScraping(ctx, j.Request); err != nil {
		return &job.DiscardError{Err: err}
	}
	fetchCtx := engine.WithObserver(ctx, s)
	if j.Request.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, j.Request.Timeout)
		defer cancel()
	}
	if err := s.fetch(fetchCtx, j); err != nil {
		return err
	}
	if err := s.pipeline.RunAfterScraping(ctx, j.Request, j.Response); err != nil {
		return err
	}
	return runValidators(validators, j.Response)
}

func (s *Spider) fetch(ctx context.Context, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &job.TransportError{Err: fmt.Errorf("engine panicked: %v", r)}
		}
	}()
	return s.engine.Fetch(ctx, j)
}

// settle applies the outcome of one attempt. It runs on the control goroutine.
func (s *Spider) settle(o outcome) {
	j, err := o.job, o.err
	s.queue.Release(j.ID)
	if err != nil && j.Response != nil {
		j.Response.Err = err
	}
	switch {
	case err == nil:
		s.succeed(j, o.dur)
	case job.IsDiscard(err):
		s.discard(j, err)
	case errors.Is(err, engine.ErrEngineLost):
		s.fail(j, err, o.dur)
		s.setFatal(err)
	case s.fatalErr() != nil:
		s.fail(j, err, o.dur)
	default:
		s.failAttempt(j, err, o.dur)
	}
}

func (s *Spider) succeed(j *job.Job, dur time.Duration) {
	s.mu.Lock()
	s.transitionLocked(j, job.StateDone)
	s.succeeded++
	s.lastReq, s.lastRes = j.Request, j.Response
	s.iterDue = true
	evt := jobEvent(progress.JobSuccess, j)
	evt.Dur = dur
	evt.Data = j.Response.Data
	s.emitLocked(evt)
	cb := s.onSuccess
	s.mu.Unlock()

	s.flush()
	if cb != nil {
		s.callback("success", func() { cb(j) })
	}
}

func (s *Spider) discard(j *job.Job, err error) {
	s.mu.Lock()
	s.transitionLocked(j, job.StateFailing)
	s.failed++
	s.remainLocked(j, err)
	s.lastReq, s.lastRes = j.Request, j.Response
	s.iterDue = true
	evt := jobEvent(progress.JobDiscard, j)
	evt.Err = err
	s.emitLocked(evt)
	cb := s.onFail
	s.mu.Unlock()

	s.logger.Debug("job discarded", zap.String("job_id", j.ID), zap.Error(err))
	s.flush()
	if cb != nil {
		f := &Failure{Job: j, Err: err, Final: true}
		s.callback("fail", func() { cb(f) })
	}
}

// fail moves j straight to remains without consulting the retry policy.
func (s *Spider) fail(j *job.Job, err error, dur time.Duration) {
	s.mu.Lock()
	s.transitionLocked(j, job.StateFailing)
	s.failed++
	s.remainLocked(j, err)
	evt := jobEvent(progress.JobFail, j)
	evt.Err = err
	evt.Dur = dur
	s.emitLocked(evt)
	s.mu.Unlock()
}

func (s *Spider) failAttempt(j *job.Job, err error, dur time.Duration) {
	s.mu.Lock()
	s.transitionLocked(j, job.StateFailing)
	s.failed++
	policy := retry.Policy{MaxRetries: s.opts.MaxRetries, Mode: s.opts.AutoRetry}
	decision := policy.Decide(err, j.Request.Retries)
	manual := policy.Mode == retry.Off
	f := &Failure{Job: j, Err: err, Final: decision == retry.Fail, policy: policy, manual: manual}
	evt := jobEvent(progress.JobFail, j)
	evt.Err = err
	evt.Dur = dur
	s.emitLocked(evt)
	cb := s.onFail
	s.mu.Unlock()

	s.flush()
	if cb != nil {
		s.callback("fail", func() { cb(f) })
	}
	if manual {
		decision = retry.Fail
		if f.decided {
			decision = f.decision
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch decision {
	case retry.RetryNow, retry.RetryLater:
		s.requeueLocked(j, decision == retry.RetryNow)
	default:
		s.remainLocked(j, err)
		s.lastReq, s.lastRes = j.Request, j.Response
		s.iterDue = true
		s.logger.Debug("job failed permanently",
			zap.String("job_id", j.ID),
			zap.Int("retries", j.Request.Retries),
			zap.Error(err))
	}
}

func (s *Spider) requeueLocked(j *job.Job, front bool) {
	j.Request.Retries++
	s.transitionLocked(j, job.StateRetrying)
	s.transitionLocked(j, job.StateQueued)
	s.emitLocked(jobEvent(progress.JobRetry, j))
	if front {
		s.queue.PushFront(j)
		return
	}
	s.queue.Push(j)
}

func (s *Spider) remainLocked(j *job.Job, err error) {
	s.remains[j.ID] = Remain{Job: j, Err: err, Error: job.Serialize(err)}
}

func (s *Spider) transitionLocked(j *job.Job, next job.State) {
	if err := j.Transition(next); err != nil {
		s.logger.Error("job transition", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (s *Spider) callback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("result callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// finish settles what is left, runs the After chain and reports the run.
func (s *Spider) finish(parent context.Context, cancel context.CancelFunc) (Remains, error) {
	fatal := s.fatalErr()

	s.mu.Lock()
	s.state = StateSuccess
	if fatal != nil {
		s.state = StateFail
	}
	s.mu.Unlock()

	if fatal != nil {
		cancel()
		s.mu.Lock()
		for _, j := range s.queue.Drain() {
			s.transitionLocked(j, job.StateFailing)
			s.remainLocked(j, fatal)
			evt := jobEvent(progress.JobFail, j)
			evt.Err = fatal
			s.emitLocked(evt)
		}
		s.mu.Unlock()
		for s.queue.InFlight() > 0 {
			o := <-s.results
			s.queue.Release(o.job.ID)
			switch {
			case o.err == nil:
				s.succeed(o.job, o.dur)
			case errors.Is(o.err, context.Canceled):
				s.fail(o.job, fatal, o.dur)
			default:
				s.fail(o.job, o.err, o.dur)
			}
		}
	}

	if err := s.pipeline.RunAfter(context.WithoutCancel(parent)); err != nil {
		s.logger.Warn("after middleware failed", zap.Error(err))
	}

	s.mu.Lock()
	end := progress.Event{Type: progress.SpiderSuccess}
	if fatal != nil {
		end = progress.Event{Type: progress.SpiderFail, Err: fatal}
	}
	s.emitLocked(end)
	s.emitLocked(progress.Event{Type: progress.SpiderEnd})
	remains := s.remains.clone()
	stats := struct{ index, done int }{s.index, s.succeeded}
	s.mu.Unlock()

	s.flush()
	s.bus.Close()

	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("admitted", stats.index),
		zap.Int("succeeded", stats.done),
		zap.Int("remains", len(remains)),
	}
	if fatal != nil {
		s.logger.Warn("spider failed", append(fields, zap.Error(fatal))...)
	} else {
		s.logger.Info("spider finished", fields...)
	}
	return remains, fatal
}

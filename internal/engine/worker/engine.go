// Package worker implements engine.Engine by delegating each attempt to a
// rendering worker over an ipc connection.
//
// Calls are tracked in a map keyed by a per-call correlation id, so replies
// and page notifications are matched to their job regardless of the order in
// which the worker completes them. Losing the connection cancels every
// tracked call and makes later fetches fail fast.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/id/uuid"
	"github.com/JakeFAU/feedspider/internal/ipc"
	"github.com/JakeFAU/feedspider/internal/job"
)

// IDGenerator produces correlation ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithIDGenerator overrides the correlation id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// Engine sends scrape requests to a worker and waits for correlated replies.
type Engine struct {
	conn   ipc.Conn
	logger *zap.Logger
	ids    IDGenerator

	mu    sync.Mutex
	calls map[string]*call
	lost  error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type call struct {
	ctx  context.Context
	job  *job.Job
	obs  engine.Observer
	done chan outcome
}

type outcome struct {
	reply ipc.ScrapeReply
	err   error
}

// New starts reading from conn. The engine owns conn and closes it on Close.
func New(conn ipc.Conn, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:   conn,
		logger: zap.NewNop(),
		ids:    uuid.New(),
		calls:  make(map[string]*call),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.readLoop(ctx)
	return e
}

// Fetch performs one attempt for j on the worker.
func (e *Engine) Fetch(ctx context.Context, j *job.Job) error {
	res := j.ResetResponse()
	req := j.Request

	callID, err := e.ids.NewID()
	if err != nil {
		return &job.TransportError{Err: fmt.Errorf("call id: %w", err)}
	}
	c := &call{ctx: ctx, job: j, obs: engine.ObserverFrom(ctx), done: make(chan outcome, 1)}
	if err := e.register(callID, c); err != nil {
		return &job.TransportError{Err: err}
	}

	msg, err := ipc.NewMessage(ipc.KindRequest, ipc.NameScrape, callID, ipc.Scrape{
		CallID:            callID,
		JobID:             j.ID,
		URL:               req.URL,
		Script:            req.Extraction.Script,
		SynchronousScript: req.Extraction.Synchronous,
		Params:            req.Params,
		Timeout:           timeoutMillis(ctx, req.Timeout),
	})
	if err != nil {
		e.take(callID)
		return &job.TransportError{Err: err}
	}
	if err := e.conn.Send(ctx, msg); err != nil {
		e.take(callID)
		if ctxErr := engine.ContextError(ctx, req.Timeout); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ipc.ErrClosed) {
			err = fmt.Errorf("%w: %w", engine.ErrEngineLost, err)
		}
		return &job.TransportError{Err: fmt.Errorf("send scrape: %w", err)}
	}

	select {
	case out := <-c.done:
		if out.err != nil {
			return &job.TransportError{Err: out.err}
		}
		return applyReply(res, out.reply)
	case <-ctx.Done():
		if e.take(callID) == nil {
			// The reply or the loss raced the deadline; the attempt is void.
			e.logger.Debug("worker call abandoned after completion", zap.String("call_id", callID))
		}
		return engine.ContextError(ctx, req.Timeout)
	}
}

// InFlight reports how many calls await a reply.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Close stops the read loop, closes the connection and fails pending calls.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		err = e.conn.Close()
		e.wg.Wait()
		e.loseAll(engine.ErrEngineLost)
	})
	return err
}

func (e *Engine) register(id string, c *call) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost != nil {
		return e.lost
	}
	e.calls[id] = c
	return nil
}

// take removes and returns the call, or nil if it already completed.
func (e *Engine) take(id string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return nil
	}
	delete(e.calls, id)
	return c
}

func (e *Engine) lookup(id string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *Engine) loseAll(cause error) {
	e.mu.Lock()
	if e.lost == nil {
		e.lost = cause
	}
	pending := e.calls
	e.calls = make(map[string]*call)
	e.mu.Unlock()

	for id, c := range pending {
		e.logger.Warn("worker call cancelled", zap.String("call_id", id), zap.String("job_id", c.job.ID), zap.Error(cause))
		c.done <- outcome{err: cause}
	}
}

func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		m, err := e.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrClosed) {
				e.logger.Warn("worker connection lost", zap.Error(err))
				e.loseAll(fmt.Errorf("%w: %w", engine.ErrEngineLost, err))
				return
			}
			e.logger.Warn("dropping unreadable worker frame", zap.Error(err))
			continue
		}
		e.dispatch(ctx, m)
	}
}

func (e *Engine) dispatch(ctx context.Context, m ipc.Message) {
	switch m.Kind {
	case ipc.KindReply:
		c := e.take(m.ReplyTo)
		if c == nil {
			e.logger.Debug("late worker reply dropped", zap.String("call_id", m.ReplyTo))
			return
		}
		var reply ipc.ScrapeReply
		if err := m.Decode(&reply); err != nil {
			reply = ipc.ScrapeReply{Fail: true, Reason: ipc.ReasonFail, Error: err.Error()}
		}
		c.done <- outcome{reply: reply}
	case ipc.KindNotify:
		var n ipc.PageNotice
		if err := m.Decode(&n); err != nil {
			e.logger.Warn("bad page notification", zap.String("name", m.Name), zap.Error(err))
			return
		}
		c := e.lookup(n.CallID)
		if c == nil {
			return
		}
		c.obs.OnPage(c.job, engine.PageEvent{Name: m.Name, URL: c.job.Request.URL, Data: n.Data})
	case ipc.KindRequest:
		if m.Name != engine.PageNavigation {
			e.logger.Warn("unexpected worker request", zap.String("name", m.Name))
			return
		}
		e.wg.Add(1)
		go e.answerNavigation(ctx, m)
	}
}

func (e *Engine) answerNavigation(ctx context.Context, m ipc.Message) {
	defer e.wg.Done()
	var nav ipc.Navigation
	var script string
	if err := m.Decode(&nav); err == nil {
		if c := e.lookup(nav.CallID); c != nil {
			c.obs.OnPage(c.job, engine.PageEvent{Name: engine.PageNavigation, URL: nav.URL})
			if s, ok := c.obs.OnNavigation(c.ctx, c.job, nav.URL); ok {
				script = s
			}
		}
	}
	reply, err := ipc.Reply(m, ipc.NavigationReply{Script: script})
	if err != nil {
		return
	}
	if err := e.conn.Send(ctx, reply); err != nil {
		e.logger.Debug("navigation reply not sent", zap.Error(err))
	}
}

func applyReply(res *job.Response, r ipc.ScrapeReply) error {
	res.Status = r.Status
	if r.Headers != nil {
		res.Headers = http.Header(r.Headers)
	}
	if len(r.Data) > 0 && string(r.Data) != "null" {
		var data any
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return &job.ScriptError{Err: fmt.Errorf("decode data: %w", err)}
		}
		res.Data = data
	}
	if r.Fail {
		msg := r.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		switch r.Reason {
		case ipc.ReasonStatus:
			return &job.StatusError{Code: r.Status}
		case ipc.ReasonScript:
			return &job.ScriptError{Err: errors.New(msg)}
		default:
			return &job.TransportError{Err: errors.New(msg)}
		}
	}
	if r.Status >= http.StatusBadRequest {
		return &job.StatusError{Code: r.Status}
	}
	return nil
}

func timeoutMillis(ctx context.Context, timeout time.Duration) int64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0
	}
	return timeout.Milliseconds()
}

// Package renderer is the rendering worker: it serves scrape requests arriving
// over an ipc connection by loading each page in headless Chrome, evaluating
// the job's extraction script and replying with status, headers and data.
package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/ipc"
)

// Config controls the rendering worker.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready before evaluating.
	Settle time.Duration
	Logger *zap.Logger
}

// Renderer owns a Chrome allocator shared by every page it renders.
type Renderer struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a renderer backed by chromedp. Chrome starts lazily with the
// first page.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts Chrome down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Serve answers requests on conn until ctx ends or the connection closes.
func (r *Renderer) Serve(ctx context.Context, conn ipc.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{r: r, conn: conn, waiting: make(map[string]chan ipc.Message)}
	defer s.wg.Wait()

	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, ipc.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("dropping unreadable frame", zap.Error(err))
			continue
		}
		switch {
		case m.Kind == ipc.KindRequest && m.Name == ipc.NameScrape:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.scrape(ctx, m)
			}()
		case m.Kind == ipc.KindReply:
			s.resolve(m)
		default:
			r.logger.Debug("ignoring message", zap.String("kind", string(m.Kind)), zap.String("name", m.Name))
		}
	}
}

// session tracks one connection: running scrapes and navigation questions
// waiting for the engine's answer.
type session struct {
	r    *Renderer
	conn ipc.Conn
	wg   sync.WaitGroup

	mu      sync.Mutex
	seq     int
	waiting map[string]chan ipc.Message
}

func (s *session) resolve(m ipc.Message) {
	s.mu.Lock()
	ch, ok := s.waiting[m.ReplyTo]
	delete(s.waiting, m.ReplyTo)
	s.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (s *session) ask(ctx context.Context, nav ipc.Navigation) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("nav-%d", s.seq)
	ch := make(chan ipc.Message, 1)
	s.waiting[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
	}()

	m, err := ipc.NewMessage(ipc.KindRequest, engine.PageNavigation, id, nav)
	if err != nil {
		return "", err
	}
	if err := s.conn.Send(ctx, m); err != nil {
		return "", err
	}
	select {
	case reply := <-ch:
		var body ipc.NavigationReply
		if err := reply.Decode(&body); err != nil {
			return "", err
		}
		return body.Script, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *session) notify(ctx context.Context, name string, req ipc.Scrape, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	m, err := ipc.NewMessage(ipc.KindNotify, name, "", ipc.PageNotice{CallID: req.CallID, JobID: req.JobID, Data: raw})
	if err != nil {
		return
	}
	if err := s.conn.Send(ctx, m); err != nil {
		s.r.logger.Debug("notification not sent", zap.String("name", name), zap.Error(err))
	}
}

func (s *session) reply(ctx context.Context, m ipc.Message, body ipc.ScrapeReply) {
	out, err := ipc.Reply(m, body)
	if err != nil {
		s.r.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := s.conn.Send(ctx, out); err != nil {
		s.r.logger.Warn("reply not sent", zap.String("call_id", m.ID), zap.Error(err))
	}
}

func (s *session) scrape(ctx context.Context, m ipc.Message) {
	var req ipc.Scrape
	if err := m.Decode(&req); err != nil {
		s.reply(ctx, m, ipc.ScrapeReply{Fail: true, Reason: ipc.ReasonFail, Error: err.Error()})
		return
	}
	if err := s.r.acquire(ctx); err != nil {
		s.reply(ctx, m, ipc.ScrapeReply{Fail: true, Reason: ipc.ReasonFail, Error: err.Error()})
		return
	}
	defer s.r.release()

	s.reply(ctx, m, s.r.render(ctx, s, req))
}

func (r *Renderer) render(ctx context.Context, s *session, req ipc.Scrape) ipc.ScrapeReply {
	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	timeout := r.cfg.NavigationTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	p := &pageState{}
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		r.onPageEvent(taskCtx, s, req, p, ev)
	})

	var raw []byte
	err := chromedp.Run(taskCtx,
		r.networkSetupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		evaluateAction(req.Script, req.SynchronousScript, &raw),
	)
	p.close()

	status, headers, _ := meta.snapshotWithFallbacks(req.URL, "")
	out := ipc.ScrapeReply{Status: status, Headers: headers}
	if data := p.followUpData(); data != nil {
		raw = data
	}
	if len(raw) > 0 {
		out.Data = json.RawMessage(raw)
	}

	var exc *runtime.ExceptionDetails
	switch {
	case errors.As(err, &exc):
		out.Fail, out.Reason, out.Error = true, ipc.ReasonScript, exc.Error()
	case err != nil:
		out.Fail, out.Reason, out.Error = true, ipc.ReasonFail, err.Error()
	case status >= http.StatusBadRequest:
		out.Fail, out.Reason = true, ipc.ReasonStatus
	}
	return out
}

// pageState carries per-page bookkeeping touched from the event listener.
type pageState struct {
	mu        sync.Mutex
	mainLoads int
	followUp  []byte
	closed    bool
	wg        sync.WaitGroup
}

// spawn runs fn in the background unless the page is already finished.
func (p *pageState) spawn(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// close stops new background work and waits for the running ones.
func (p *pageState) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *pageState) followUpData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.followUp
}

func (r *Renderer) onPageEvent(ctx context.Context, s *session, req ipc.Scrape, p *pageState, ev any) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		s.notify(ctx, engine.PageLog, req, consoleArgs(e.Args))
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			s.notify(ctx, engine.PageError, req, e.ExceptionDetails.Error())
		}
	case *page.EventJavascriptDialogOpening:
		s.notify(ctx, engine.PageAlert, req, e.Message)
		p.spawn(func() {
			if err := chromedp.Run(ctx, page.HandleJavaScriptDialog(true)); err != nil {
				r.logger.Debug("dismiss dialog", zap.Error(err))
			}
		})
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		p.mu.Lock()
		p.mainLoads++
		first := p.mainLoads == 1
		p.mu.Unlock()
		if first {
			return
		}
		url := e.Frame.URL
		p.spawn(func() { r.followNavigation(ctx, s, req, p, url) })
	}
}

func (r *Renderer) followNavigation(ctx context.Context, s *session, req ipc.Scrape, p *pageState, url string) {
	script, err := s.ask(ctx, ipc.Navigation{CallID: req.CallID, JobID: req.JobID, URL: url})
	if err != nil || script == "" {
		return
	}
	var raw []byte
	if err := chromedp.Run(ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		evaluateAction(script, true, &raw),
	); err != nil {
		s.notify(ctx, engine.PageError, req, err.Error())
		return
	}
	p.mu.Lock()
	p.followUp = raw
	p.mu.Unlock()
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func evaluateAction(script string, synchronous bool, res *[]byte) chromedp.Action {
	if script == "" {
		return chromedp.ActionFunc(func(context.Context) error { return nil })
	}
	return chromedp.Evaluate(wrapScript(script, synchronous), res,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		})
}

// wrapScript turns an extraction body into an expression. Synchronous bodies
// return their result; asynchronous ones call done(err, data).
func wrapScript(script string, synchronous bool) string {
	if synchronous {
		return "(function(){\n" + script + "\n})()"
	}
	return "new Promise(function(resolve, reject){\n" +
		"var done = function(err, data){ if (err) { reject(err instanceof Error ? err : new Error(String(err))); } else { resolve(data); } };\n" +
		"(function(done){\n" + script + "\n})(done);\n" +
		"})"
}

func consoleArgs(args []*runtime.RemoteObject) []any {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		if len(arg.Value) > 0 {
			var v any
			if err := json.Unmarshal([]byte(arg.Value), &v); err == nil {
				out = append(out, v)
				continue
			}
		}
		out = append(out, arg.Description)
	}
	return out
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	// Keep the first document response: later ones belong to in-page
	// navigations handled by follow-up scripts.
	if m.status == 0 {
		m.status = int(event.Response.Status)
		m.headers = headers
		m.url = event.Response.URL
	}
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

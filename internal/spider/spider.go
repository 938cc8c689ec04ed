// Package spider drives a set of feeds to completion.
//
// A Spider owns a bounded queue of jobs, runs the middleware pipeline and the
// engine for each admitted job, applies the retry policy to failures, and
// reports the jobs that permanently failed as Remains once the run ends.
//
// All admission, completion handling, callbacks and event delivery happen on
// the goroutine that called Run. Each attempt runs in its own goroutine and
// reports back over a channel. Callbacks may call Pause, Resume, Lock,
// Unlock, AddFeed and Stop freely.
package spider

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/id/uuid"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/logging"
	"github.com/JakeFAU/feedspider/internal/middleware"
	"github.com/JakeFAU/feedspider/internal/policy/ratelimit"
	"github.com/JakeFAU/feedspider/internal/progress"
	"github.com/JakeFAU/feedspider/internal/queue"
	"github.com/JakeFAU/feedspider/internal/retry"
)

var (
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("spider already run")
	// ErrBeforeFailed wraps a failure of the Before middleware chain.
	ErrBeforeFailed = errors.New("before middleware failed")
	// ErrStopped is returned by Run after Stop or context cancellation.
	ErrStopped = errors.New("spider stopped")
	// ErrLimitReached is returned when admitting past Options.Limit.
	ErrLimitReached = errors.New("job limit reached")
	// ErrFinished is returned when adding feeds to a spider that has ended.
	ErrFinished = errors.New("spider finished")
	// ErrNotRetryable is returned by Failure retry methods for discards and
	// other final errors.
	ErrNotRetryable = errors.New("job is not retryable")
	// ErrAutoRetry is returned by Failure retry methods when retries are
	// automatic.
	ErrAutoRetry = errors.New("retries are automatic")
)

// State is the spider lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateSuccess State = "success"
	StateFail    State = "fail"
	StateDone    State = "done"
)

func (s State) terminal() bool {
	return s == StateSuccess || s == StateFail || s == StateDone
}

// Clock abstracts time for event timestamps and durations.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

func utcNow() time.Time { return time.Now().UTC() }

// IDGenerator produces spider and job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Options are the tunables of a run.
type Options struct {
	// Concurrency bounds in-flight jobs. Values below one mean one.
	Concurrency int
	// Timeout is the default per-attempt timeout. Zero disables it.
	Timeout    time.Duration
	MaxRetries int
	AutoRetry  retry.Mode
	// Limit bounds total admissions. Zero means unbounded.
	Limit   int
	Method  string
	Params  map[string]any
	Headers http.Header
	// Throttle is the dispatch rate per host, in jobs per second. Zero
	// disables throttling.
	Throttle float64
	// OnThrottle is told how long a dispatch waited on the throttle.
	OnThrottle func(host string, d time.Duration)
}

// DefaultOptions returns the options a new spider starts with.
func DefaultOptions() Options {
	return Options{Concurrency: 1, AutoRetry: retry.Off}
}

// Option configures a spider at construction or through Configure.
type Option func(*Spider)

// WithOptions replaces every tunable at once.
func WithOptions(o Options) Option {
	return func(s *Spider) { s.opts = o }
}

func WithConcurrency(n int) Option {
	return func(s *Spider) { s.opts.Concurrency = n }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Spider) { s.opts.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(s *Spider) { s.opts.MaxRetries = max(n, 0) }
}

func WithAutoRetry(m retry.Mode) Option {
	return func(s *Spider) { s.opts.AutoRetry = m }
}

func WithLimit(n int) Option {
	return func(s *Spider) { s.opts.Limit = max(n, 0) }
}

// WithParams sets the default request params merged under each feed's own.
func WithParams(p map[string]any) Option {
	return func(s *Spider) { s.opts.Params = p }
}

// WithHeaders sets default request headers.
func WithHeaders(h http.Header) Option {
	return func(s *Spider) { s.opts.Headers = h }
}

// WithThrottle sets the per-host dispatch rate.
func WithThrottle(perSecond float64) Option {
	return func(s *Spider) { s.opts.Throttle = perSecond }
}

// WithLogger sets the logger; the spider id is attached to it.
func WithLogger(l *zap.Logger) Option {
	return func(s *Spider) {
		if l != nil {
			s.baseLogger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(s *Spider) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides the id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Spider) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithID fixes the spider id instead of generating one.
func WithID(id string) Option {
	return func(s *Spider) { s.id = id }
}

// IteratorFunc supplies the next feed from the index of the next admission
// and the most recently completed request and response. A nil, false or
// empty return ends iteration for good.
type IteratorFunc func(index int, last *job.Request, lastRes *job.Response) any

// SuccessFunc is called for every job that completes successfully.
type SuccessFunc func(j *job.Job)

// FailFunc is called for every failed attempt and every discard.
type FailFunc func(f *Failure)

// NavigationFunc returns a follow-up extraction script for a page that
// navigated to url. An empty script means none.
type NavigationFunc func(j *job.Job, url string) string

// Spider orchestrates one run over its feeds.
type Spider struct {
	id         string
	engine     engine.Engine
	baseLogger *zap.Logger
	logger     *zap.Logger
	clock      Clock
	ids        IDGenerator
	bus        *progress.Bus
	pipeline   *middleware.Pipeline
	queue      *queue.Queue

	results chan outcome
	wake    chan struct{}

	mu         sync.Mutex
	opts       Options
	throttle   *ratelimit.Limiter
	throttleAt float64
	extraction job.Extraction
	iterator   IteratorFunc
	iterDone   bool
	iterDue    bool
	validators []Validator
	onSuccess  SuccessFunc
	onFail     FailFunc
	onNav      NavigationFunc
	state      State
	started    bool
	index      int
	succeeded  int
	failed     int
	remains    Remains
	fatal      error
	cancel     func()
	lastReq    *job.Request
	lastRes    *job.Response
	events     []progress.Event
}

// New builds an idle spider that fetches through eng.
func New(eng engine.Engine, opts ...Option) *Spider {
	s := &Spider{
		engine:     eng,
		baseLogger: zap.NewNop(),
		clock:      ClockFunc(utcNow),
		ids:        uuid.New(),
		pipeline:   middleware.New(),
		results:    make(chan outcome),
		wake:       make(chan struct{}, 1),
		opts:       DefaultOptions(),
		state:      StateIdle,
		remains:    make(Remains),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		id, err := s.ids.NewID()
		if err != nil {
			id = uuid.New().MustID()
		}
		s.id = id
	}
	s.logger = logging.ForSpider(s.baseLogger, s.id)
	s.bus = progress.NewBus(s.logger)
	s.queue = queue.New(s.opts.Concurrency)
	s.applyThrottleLocked()
	return s
}

// ID returns the spider id.
func (s *Spider) ID() string {
	return s.id
}

// Configure applies opts. Changes affect jobs admitted or dispatched after
// the call.
func (s *Spider) Configure(opts ...Option) {
	s.mu.Lock()
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.ForSpider(s.baseLogger, s.id)
	s.queue.SetCapacity(s.opts.Concurrency)
	s.applyThrottleLocked()
	s.mu.Unlock()
	s.poke()
}

// SetTimeout sets the default per-attempt timeout.
func (s *Spider) SetTimeout(d time.Duration) {
	s.Configure(WithTimeout(d))
}

// SetLimit bounds total admissions. Zero removes the bound.
func (s *Spider) SetLimit(n int) {
	s.Configure(WithLimit(n))
}

// Options returns a copy of the current options.
func (s *Spider) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetExtractor sets the function the direct engine applies to fetched pages.
func (s *Spider) SetExtractor(fn job.ExtractFunc) {
	s.mu.Lock()
	s.extraction.Func = fn
	s.mu.Unlock()
}

// SetScript sets the script the rendering worker evaluates. Synchronous
// scripts return their result; asynchronous ones call done(err, data).
func (s *Spider) SetScript(src string, synchronous bool) {
	s.mu.Lock()
	s.extraction.Script = src
	s.extraction.Synchronous = synchronous
	s.mu.Unlock()
}

// Iterate installs the pagination driver.
func (s *Spider) Iterate(fn IteratorFunc) {
	s.mu.Lock()
	s.iterator = fn
	s.iterDone = fn == nil
	s.mu.Unlock()
	s.poke()
}

// Use registers a middleware hook for phase.
func (s *Spider) Use(phase middleware.Phase, hook any) error {
	return s.pipeline.Use(phase, hook)
}

func (s *Spider) UseBefore(h middleware.SpiderHook) { s.pipeline.UseBefore(h) }

func (s *Spider) UseBeforeScraping(h middleware.RequestHook) { s.pipeline.UseBeforeScraping(h) }

func (s *Spider) UseAfterScraping(h middleware.ResponseHook) { s.pipeline.UseAfterScraping(h) }

func (s *Spider) UseAfter(h middleware.SpiderHook) { s.pipeline.UseAfter(h) }

// Validate adds a check every successful fetch must pass.
func (s *Spider) Validate(v Validator) {
	if v == nil {
		return
	}
	s.mu.Lock()
	s.validators = append(s.validators, v)
	s.mu.Unlock()
}

// OnResult sets the per-job callbacks. Either may be nil.
func (s *Spider) OnResult(success SuccessFunc, fail FailFunc) {
	s.mu.Lock()
	s.onSuccess = success
	s.onFail = fail
	s.mu.Unlock()
}

// SetNavigation sets the follow-up script source for in-page navigations.
// fn runs on the engine's goroutine.
func (s *Spider) SetNavigation(fn NavigationFunc) {
	s.mu.Lock()
	s.onNav = fn
	s.mu.Unlock()
}

// On subscribes h to events matching pattern ("*", "job:*", "spider:end").
// Subscriptions are released when the run ends.
func (s *Spider) On(pattern string, h progress.Handler) func() {
	return s.bus.On(pattern, h)
}

// Install hands plugin the spider's event and middleware capabilities.
func (s *Spider) Install(plugin middleware.Plugin) error {
	return plugin(middleware.Capabilities{Events: s, Pipeline: s.pipeline})
}

// State returns the lifecycle state.
func (s *Spider) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats is a point-in-time summary of a spider.
type Stats struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Index    int    `json:"index"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"inFlight"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
	Remains  int    `json:"remains"`
	Paused   bool   `json:"paused"`
	Locked   bool   `json:"locked"`
}

// Stats returns current counters.
func (s *Spider) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:       s.id,
		State:    s.state,
		Index:    s.index,
		Pending:  s.queue.Len(),
		InFlight: s.queue.InFlight(),
		Done:     s.succeeded,
		Failed:   s.failed,
		Remains:  len(s.remains),
		Paused:   s.queue.Paused(),
		Locked:   s.queue.Locked(),
	}
}

// Remains returns a snapshot of the jobs that failed permanently so far.
func (s *Spider) Remains() Remains {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remains.clone()
}

func (s *Spider) applyThrottleLocked() {
	if s.opts.Throttle == s.throttleAt && (s.throttle != nil) == (s.opts.Throttle > 0) {
		return
	}
	s.throttleAt = s.opts.Throttle
	if s.opts.Throttle <= 0 {
		s.throttle = nil
		return
	}
	s.throttle = ratelimit.New(ratelimit.Config{
		DefaultRPS:   s.opts.Throttle,
		DefaultBurst: 1,
		OnDelay:      s.opts.OnThrottle,
	})
}

func (s *Spider) defaultsLocked() job.Defaults {
	return job.Defaults{
		Method:     s.opts.Method,
		Timeout:    s.opts.Timeout,
		Params:     s.opts.Params,
		Headers:    s.opts.Headers,
		Extraction: s.extraction,
	}
}

func (s *Spider) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

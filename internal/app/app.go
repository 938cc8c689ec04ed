// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/feedspider/internal/api"
	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/engine/direct"
	"github.com/JakeFAU/feedspider/internal/engine/worker"
	"github.com/JakeFAU/feedspider/internal/hash/sha256"
	"github.com/JakeFAU/feedspider/internal/headless/detector"
	"github.com/JakeFAU/feedspider/internal/id/uuid"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/logging"
	"github.com/JakeFAU/feedspider/internal/metrics"
	"github.com/JakeFAU/feedspider/internal/policy/blocklist"
	"github.com/JakeFAU/feedspider/internal/progress"
	"github.com/JakeFAU/feedspider/internal/progress/sinks"
	"github.com/JakeFAU/feedspider/internal/spider"
	"github.com/JakeFAU/feedspider/internal/storage/local"
)

// ErrNoFeeds is returned by New when the configuration lists no feeds.
var ErrNoFeeds = errors.New("at least one feed is required")

// App holds all the shared, long-lived services for one spider run.
// It is initialized once at startup and closed by the command after the run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	spider   *spider.Spider
	hub      *progress.Hub
	closers  []func() error

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger *zap.Logger
	engine engine.Engine
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEngine replaces the engine selected by engine.kind.
func WithEngine(e engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetSpider returns the spider driven by Run.
func (a *App) GetSpider() *spider.Spider {
	return a.spider
}

// GetRegistry returns the Prometheus registry served on /metrics.
func (a *App) GetRegistry() *prometheus.Registry {
	return a.registry
}

// GetConfig returns the configuration the app was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// New creates and initializes an App from cfg. It fails fast if any
// service cannot be initialized, releasing what was already started.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	if len(cfg.Feeds) == 0 {
		return nil, ErrNoFeeds
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	eng := o.engine
	if eng == nil {
		eng, err = a.buildEngine(ctx)
		if err != nil {
			return nil, err
		}
	}

	a.spider = spider.New(eng,
		spider.WithOptions(spider.Options{
			Concurrency: cfg.Spider.Concurrency,
			Timeout:     cfg.Spider.Timeout,
			MaxRetries:  cfg.Spider.MaxRetries,
			AutoRetry:   cfg.RetryMode(),
			Limit:       cfg.Spider.Limit,
			Params:      cfg.Spider.Params,
			Headers:     cfg.DefaultHeaders(),
			Throttle:    cfg.Spider.Throttle,
			OnThrottle: func(host string, d time.Duration) {
				a.metrics.ObserveThrottleDelay(metrics.SanitizeSite(host), d)
			},
		}),
		spider.WithLogger(logger),
		spider.WithIDGenerator(uuid.New()),
	)
	switch {
	case cfg.Spider.Script != "" && cfg.Engine.Kind == config.EngineWorker:
		a.spider.SetScript(cfg.Spider.Script, cfg.Spider.SynchronousScript)
	case cfg.Spider.Script != "":
		logger.Warn("spider.script needs the worker engine; using the page summary extractor")
		a.spider.SetExtractor(summarize)
	default:
		a.spider.SetExtractor(summarize)
	}
	if len(cfg.Spider.RequiredKeys) > 0 {
		a.spider.Validate(spider.RequiredKeys(cfg.Spider.RequiredKeys...))
	}
	if bl := blocklist.New(cfg.Spider.BlockedDomains); bl != nil {
		if err := a.spider.Install(bl.Plugin()); err != nil {
			return nil, fmt.Errorf("install blocklist: %w", err)
		}
	}
	if cfg.Engine.DetectRendering && cfg.Engine.Kind != config.EngineWorker && o.engine == nil {
		if err := a.spider.Install(detector.NewHeuristic(0).Plugin(logger.Named("detector"))); err != nil {
			return nil, fmt.Errorf("install render detector: %w", err)
		}
	}

	if err := a.buildHub(); err != nil {
		return nil, err
	}

	if err := a.spider.Submit(cfg.Feeds); err != nil {
		if !errors.Is(err, spider.ErrLimitReached) {
			return nil, fmt.Errorf("submit feeds: %w", err)
		}
		logger.Warn("feeds beyond spider.limit were not admitted", zap.Error(err))
	}
	logger.Info("application services initialized",
		zap.String("engine", cfg.Engine.Kind),
		zap.String("spider_id", a.spider.ID()),
		zap.Int("feeds", a.spider.Stats().Index))
	return a, nil
}

func (a *App) buildEngine(ctx context.Context) (engine.Engine, error) {
	cfg := a.cfg
	switch cfg.Engine.Kind {
	case config.EngineWorker:
		proc, err := startRenderer(ctx, cfg, a.logger.Named("renderer"))
		if err != nil {
			return nil, err
		}
		eng := worker.New(proc.conn,
			worker.WithLogger(a.logger.Named("engine")),
			worker.WithIDGenerator(uuid.New()))
		a.closers = append(a.closers, proc.Wait, eng.Close)
		return eng, nil
	default:
		return direct.New(direct.Config{
			UserAgent:     cfg.Engine.UserAgent,
			RespectRobots: cfg.Engine.RespectRobots,
			Timeout:       cfg.Engine.Timeout,
			MaxBodySize:   cfg.Engine.MaxBodyBytes,
			Logger:        a.logger.Named("engine"),
		}), nil
	}
}

func (a *App) buildHub() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), promSink}
	if a.cfg.Output.Dir != "" {
		store, err := local.New(local.Config{BaseDir: a.cfg.Output.Dir})
		if err != nil {
			return fmt.Errorf("init result store: %w", err)
		}
		hubSinks = append(hubSinks, sinks.NewResultSink(store, sha256.New(), a.cfg.Output.Prefix, a.logger.Named("results")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Hub.BufferSize,
		MaxBatchEvents: a.cfg.Hub.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Hub.MaxBatchWait,
		SinkTimeout:    a.cfg.Hub.SinkTimeout,
		Logger:         a.logger.Named("hub"),
	}, hubSinks...)
	a.hub.Attach(a.spider, "*")
	return nil
}

// Run drives the spider to completion and serves the status API alongside
// it when server.listen is set. The server stops once the spider ends.
func (a *App) Run(ctx context.Context) (spider.Remains, error) {
	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	var (
		remains spider.Remains
		runErr  error
	)
	g.Go(func() error {
		defer stopServer()
		remains, runErr = a.spider.Run(gctx)
		return nil
	})
	if a.cfg.Server.Listen != "" {
		g.Go(func() error {
			return a.serve(srvCtx)
		})
	} else {
		close(a.ready)
	}
	if err := g.Wait(); err != nil {
		return remains, err
	}
	return remains, runErr
}

// Addr returns the status server address once it is listening. It blocks
// until the server is up or ctx ends.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	if a.addr == nil {
		return nil, errors.New("status server disabled")
	}
	return a.addr, nil
}

func (a *App) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		close(a.ready)
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	apiServer := api.NewServer(a.spider, a.registry, a.metrics, a.cfg.Server, a.logger.Named("api"))
	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-errCh
	return nil
}

// Close flushes the progress sinks and shuts down the engine. The logger is
// synced last.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close hub: %w", err))
		}
		st := a.hub.Stats()
		a.logger.Debug("progress hub closed",
			zap.Int64("delivered", st.Delivered),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("sink_errors", st.SinkErrors))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	// Sync fails on stderr for terminals; that is not worth reporting.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// summarize is the default extractor: page title and meta description.
func summarize(doc *goquery.Document, j *job.Job) (any, error) {
	out := map[string]any{
		"url":   j.Request.URL,
		"title": strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		out["description"] = strings.TrimSpace(desc)
	}
	return out, nil
}

// Stats returns the spider's current counters.
func (a *App) Stats() spider.Stats {
	return a.spider.Stats()
}

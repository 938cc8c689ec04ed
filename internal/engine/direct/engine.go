// Package direct implements engine.Engine with a plain HTTP fetch through
// gocolly, applying the job's extraction function to a goquery document.
package direct

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/job"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout caps every HTTP exchange. Per-job timeouts arrive on the context.
	Timeout     time.Duration
	MaxBodySize int
	Logger      *zap.Logger
}

// Engine fetches jobs with a cloned Colly collector per attempt.
type Engine struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetched is filled by collector callbacks and copied into the job once the
// visit has returned, so a timed-out attempt never touches the job.
type fetched struct {
	status  int
	headers http.Header
	body    []byte
	err     error
}

// New builds an Engine.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Engine{cfg: cfg, baseCollector: c, logger: logger}
}

// Fetch performs one attempt for j.
func (e *Engine) Fetch(ctx context.Context, j *job.Job) error {
	res := j.ResetResponse()
	req := j.Request

	var out fetched
	collector := e.baseCollector.Clone()
	e.configureCollectorHooks(collector, req, &out)

	if err := e.runCollector(ctx, collector, req, &out); err != nil {
		return err
	}

	res.Status = out.status
	res.Headers = out.headers
	res.Body = out.body
	if res.Status >= http.StatusBadRequest {
		return &job.StatusError{Code: res.Status}
	}
	if req.Extraction.Func != nil {
		data, err := extract(req.Extraction.Func, req.URL, res.Body, j)
		if err != nil {
			return err
		}
		res.Data = data
	}
	return nil
}

func (e *Engine) configureCollectorHooks(hooks collectorHooks, req *job.Request, out *fetched) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req, r.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.headers = make(http.Header)
		if r.Headers != nil {
			out.headers = r.Headers.Clone()
		}
		out.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		out.err = err
		if r != nil && r.StatusCode != 0 {
			out.status = r.StatusCode
		}
	})
}

func (e *Engine) runCollector(ctx context.Context, collector *colly.Collector, req *job.Request, out *fetched) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.Method, req.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		e.logger.Debug("direct fetch abandoned", zap.String("url", req.URL), zap.Error(ctx.Err()))
		return engine.ContextError(ctx, req.Timeout)
	case err := <-done:
		if ctxErr := engine.ContextError(ctx, req.Timeout); ctxErr != nil {
			return ctxErr
		}
		if err == nil {
			err = out.err
		}
		if err != nil {
			return &job.TransportError{Err: fmt.Errorf("colly %s %s: %w", req.Method, req.URL, err)}
		}
		return nil
	}
}

func copyHeaders(req *job.Request, dst *http.Header) {
	if dst == nil {
		return
	}
	for key, values := range req.Headers {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	if req.Auth != nil {
		token := base64.StdEncoding.EncodeToString([]byte(req.Auth.User + ":" + req.Auth.Password))
		dst.Set("Authorization", "Basic "+token)
	}
}

// extract runs fn against the parsed body, converting errors and panics into
// *job.ScriptError.
func extract(fn job.ExtractFunc, pageURL string, body []byte, j *job.Job) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &job.ScriptError{Err: fmt.Errorf("extractor panicked: %v", r)}
		}
	}()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &job.ScriptError{Err: fmt.Errorf("parse document: %w", err)}
	}
	if u, perr := url.Parse(pageURL); perr == nil {
		doc.Url = u
	}
	data, err = fn(doc, j)
	if err != nil {
		return nil, &job.ScriptError{Err: err}
	}
	return data, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

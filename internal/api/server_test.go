package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/metrics"
	"github.com/JakeFAU/feedspider/internal/queue"
	"github.com/JakeFAU/feedspider/internal/spider"
)

func TestServer_Status(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{stats: spider.Stats{ID: "sp-1", State: spider.StateRunning, Index: 4, Pending: 2}}
	rec := serve(newTestServer(ctl), http.MethodGet, "/v1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got spider.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, ctl.stats, got)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{stats: spider.Stats{State: spider.StateRunning}}
	server := newTestServer(ctl)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", nil).Code)

	ctl.setState(spider.StateDone)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)
}

func TestServer_RemainsPaged(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{remains: spider.Remains{}}
	for _, id := range []string{"c", "a", "b"} {
		ctl.remains[id] = spider.Remain{
			Job:   &job.Job{ID: id, Request: &job.Request{URL: "https://example.com/" + id, Retries: 2}},
			Error: job.SerializedError{Kind: job.KindStatus, Message: "status 503", Status: 503},
		}
	}
	server := newTestServer(ctl)

	rec := serve(server, http.MethodGet, "/v1/remains?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total   int         `json:"total"`
		Remains []remainDTO `json:"remains"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Remains, 2)
	require.Equal(t, "b", body.Remains[0].JobID)
	require.Equal(t, "c", body.Remains[1].JobID)
	require.Equal(t, job.KindStatus, body.Remains[1].Error.Kind)
	require.Equal(t, 2, body.Remains[1].Retries)

	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/remains?limit=0", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/remains?offset=-1", nil).Code)
}

func TestServer_AddFeeds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "accepted", body: `{"feeds":["https://example.com/a"]}`, want: http.StatusAccepted},
		{name: "invalid JSON", body: `{`, want: http.StatusBadRequest},
		{name: "empty", body: `{"feeds":[]}`, want: http.StatusBadRequest},
		{name: "invalid feed", body: `{"feeds":[42]}`, err: job.ErrInvalidFeed, want: http.StatusBadRequest},
		{name: "finished", body: `{"feeds":["https://example.com/a"]}`, err: spider.ErrFinished, want: http.StatusConflict},
		{name: "limit", body: `{"feeds":["https://example.com/a"]}`, err: spider.ErrLimitReached, want: http.StatusConflict},
		{name: "other", body: `{"feeds":["https://example.com/a"]}`, err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctl := &fakeController{addErr: tt.err}
			rec := serve(newTestServer(ctl), http.MethodPost, "/v1/feeds", bytes.NewBufferString(tt.body))
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_PauseResumeStop(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	server := newTestServer(ctl)

	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/pause", nil).Code)
	require.Equal(t, 1, ctl.count("pause"))

	ctl.resumeErr = queue.ErrLocked
	require.Equal(t, http.StatusConflict, serve(server, http.MethodPost, "/v1/resume", nil).Code)
	ctl.resumeErr = nil
	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/resume", nil).Code)

	require.Equal(t, http.StatusAccepted, serve(server, http.MethodPost, "/v1/stop", nil).Code)
	require.Equal(t, 1, ctl.count("stop"))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeController{}, nil, nil, config.ServerConfig{APIKey: "secret"}, zap.NewNop())

	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/status", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	server := NewServer(&fakeController{}, reg, m, config.ServerConfig{}, zap.NewNop())

	serve(server, http.MethodGet, "/v1/status", nil)
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "feedspider_http_requests_total")

	noMetrics := NewServer(&fakeController{}, nil, nil, config.ServerConfig{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(noMetrics, http.MethodGet, "/metrics", nil).Code)
}

func TestServer_DrivesRealSpider(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	eng := engine.Func(func(ctx context.Context, j *job.Job) error {
		j.ResetResponse().Status = http.StatusOK
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sp := spider.New(eng)
	require.NoError(t, sp.Submit("https://example.com/1"))
	server := newTestServer(sp)

	done := make(chan error, 1)
	go func() {
		_, err := sp.Run(context.Background())
		done <- err
	}()

	rec := serve(server, http.MethodPost, "/v1/feeds", bytes.NewBufferString(`{"feeds":["https://example.com/2","https://example.com/3"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"admitted":2}`, rec.Body.String())
	close(release)
	require.NoError(t, <-done)

	rec = serve(server, http.MethodGet, "/v1/status", nil)
	var stats spider.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.Index)
	require.Equal(t, 3, stats.Done)
	require.Equal(t, http.StatusConflict, serve(server, http.MethodPost, "/v1/feeds", bytes.NewBufferString(`{"feeds":["https://example.com/4"]}`)).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeController{}), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close conn: %v", err)
	}
	if buf == nil {
		t.Fatalf("expected buffered read writer")
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close client: %v", err)
	}
}

type fakeController struct {
	mu        sync.Mutex
	stats     spider.Stats
	remains   spider.Remains
	addErr    error
	resumeErr error
	calls     map[string]int
}

func (f *fakeController) Stats() spider.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeController) setState(s spider.State) {
	f.mu.Lock()
	f.stats.State = s
	f.mu.Unlock()
}

func (f *fakeController) Remains() spider.Remains {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remains
}

func (f *fakeController) AddFeed(any) error {
	f.record("add")
	return f.addErr
}

func (f *fakeController) Pause() { f.record("pause") }

func (f *fakeController) Resume() error {
	f.record("resume")
	return f.resumeErr
}

func (f *fakeController) Stop() { f.record("stop") }

func (f *fakeController) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeController) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(ctl Controller) *Server {
	return NewServer(ctl, prometheus.NewRegistry(), nil, config.ServerConfig{}, zap.NewNop())
}

func serve(s *Server, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

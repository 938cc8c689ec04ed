package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/spider"
)

type fakeApp struct {
	remains spider.Remains
	runErr  error
	stats   spider.Stats
	ran     bool
	closed  bool
}

func (f *fakeApp) Run(context.Context) (spider.Remains, error) {
	f.ran = true
	return f.remains, f.runErr
}

func (f *fakeApp) Stats() spider.Stats { return f.stats }

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) GetLogger() *zap.Logger { return zap.NewNop() }

// execute runs the root command with args against fake, returning stdout and
// the configuration the factory was handed.
func execute(t *testing.T, fake *fakeApp, args ...string) (string, config.Config, error) {
	t.Helper()
	var got config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		got = cfg
		return fake, nil
	}
	t.Cleanup(func() {
		newApp = orig
		cfgFile = ""
	})

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), got, err
}

func TestCrawlPrintsSummary(t *testing.T) {
	fake := &fakeApp{
		stats: spider.Stats{ID: "sp-1", State: spider.StateDone, Index: 3, Done: 2},
		remains: spider.Remains{
			"j2": {
				Job:   &job.Job{ID: "j2", Request: &job.Request{URL: "https://example.com/b", Retries: 2}},
				Error: job.SerializedError{Kind: job.KindStatus, Message: "status 503", Status: 503},
			},
		},
	}

	out, _, err := execute(t, fake, "crawl", "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, fake.ran)
	assert.True(t, fake.closed)
	assert.Equal(t, "spider sp-1 done: admitted=3 succeeded=2 remains=1\n"+
		"  j2 https://example.com/b retries=2 status: status 503\n", out)
}

func TestCrawlAppliesConfigAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedspider.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
spider:
  concurrency: 2
  max_retries: 1
feeds:
  - https://example.com/from-file
`), 0o600))

	_, cfg, err := execute(t, &fakeApp{}, "crawl", "--config", path,
		"--concurrency", "5", "--auto-retry", "later", "--out", "/tmp/out", "--listen", ":0",
		"https://example.com/from-args")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Spider.Concurrency)
	assert.Equal(t, 1, cfg.Spider.MaxRetries)
	assert.Equal(t, "later", cfg.Spider.AutoRetry)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	assert.Equal(t, ":0", cfg.Server.Listen)
	assert.Equal(t, config.EngineDirect, cfg.Engine.Kind)
	assert.Equal(t, []any{"https://example.com/from-file", "https://example.com/from-args"}, cfg.Feeds)
}

func TestCrawlRejectsInvalidFlags(t *testing.T) {
	fake := &fakeApp{}
	_, _, err := execute(t, fake, "crawl", "--engine", "carrier-pigeon", "https://example.com/")
	require.ErrorContains(t, err, "invalid configuration")
	assert.False(t, fake.ran)
}

func TestCrawlReturnsRunError(t *testing.T) {
	fake := &fakeApp{runErr: spider.ErrStopped}
	out, _, err := execute(t, fake, "crawl", "https://example.com/")
	require.ErrorIs(t, err, spider.ErrStopped)
	assert.True(t, fake.closed)
	assert.Contains(t, out, "remains=0")
}

func TestCrawlStrict(t *testing.T) {
	fake := &fakeApp{remains: spider.Remains{"j1": {Error: job.SerializedError{Kind: job.KindTimeout}}}}
	_, _, err := execute(t, fake, "crawl", "--strict", "https://example.com/")
	require.ErrorIs(t, err, ErrRemains)

	_, _, err = execute(t, &fakeApp{}, "crawl", "--strict", "https://example.com/")
	require.NoError(t, err)
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	boom := errors.New("boom")
	newApp = func(context.Context, config.Config) (App, error) { return nil, boom }

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"crawl", "https://example.com/"})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

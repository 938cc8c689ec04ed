package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/feedspider/internal/retry"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
spider:
  concurrency: 6
  timeout: 12s
  max_retries: 3
  auto_retry: later
  limit: 50
  throttle: 2.5
  params:
    lang: en
  headers:
    X-Token: abc
  script: "return document.title"
  synchronous_script: true
  required_keys: [title, price]
  blocked_domains: ["*.ads.example.com"]
engine:
  kind: worker
  user_agent: real-agent
  timeout: 20s
renderer:
  path: /usr/local/bin/feedspider-renderer
  max_parallel: 3
  navigation_timeout: 30s
hub:
  max_batch_wait: 250ms
output:
  dir: out
  prefix: shoes
server:
  listen: ":9090"
logging:
  development: false
  level: debug
feeds:
  - https://example.com/a
  - url: https://example.com/b
    params:
      page: 2
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Spider.Concurrency != 6 || cfg.Spider.Timeout != 12*time.Second {
		t.Fatalf("expected spider overrides to apply: %+v", cfg.Spider)
	}
	if cfg.RetryMode() != retry.Later || cfg.Spider.MaxRetries != 3 {
		t.Fatalf("expected retry later/3, got %v/%d", cfg.RetryMode(), cfg.Spider.MaxRetries)
	}
	if cfg.Spider.Throttle != 2.5 || cfg.Spider.Limit != 50 {
		t.Fatalf("expected throttle and limit overrides: %+v", cfg.Spider)
	}
	if got := cfg.DefaultHeaders().Get("X-Token"); got != "abc" {
		t.Fatalf("expected header X-Token=abc, got %q", got)
	}
	if len(cfg.Spider.RequiredKeys) != 2 {
		t.Fatalf("expected required keys, got %v", cfg.Spider.RequiredKeys)
	}
	if len(cfg.Spider.BlockedDomains) != 1 || cfg.Spider.BlockedDomains[0] != "*.ads.example.com" {
		t.Fatalf("expected blocked domains, got %v", cfg.Spider.BlockedDomains)
	}
	if cfg.Engine.Kind != EngineWorker || cfg.Renderer.MaxParallel != 3 {
		t.Fatalf("expected worker engine with 3 pages: %+v %+v", cfg.Engine, cfg.Renderer)
	}
	if cfg.Hub.MaxBatchWait != 250*time.Millisecond || cfg.Hub.BufferSize != 4096 {
		t.Fatalf("expected hub override plus default buffer: %+v", cfg.Hub)
	}
	if cfg.Server.Listen != ":9090" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected server and logging overrides")
	}
	if len(cfg.Feeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(cfg.Feeds))
	}
	if s, ok := cfg.Feeds[0].(string); !ok || s != "https://example.com/a" {
		t.Fatalf("expected first feed to be a URL string, got %#v", cfg.Feeds[0])
	}
	if m, ok := cfg.Feeds[1].(map[string]any); !ok || m["url"] != "https://example.com/b" {
		t.Fatalf("expected second feed to be a map, got %#v", cfg.Feeds[1])
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Spider.Concurrency != 1 || cfg.Engine.Kind != EngineDirect || !cfg.Engine.DetectRendering {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetryMode() != retry.Off {
		t.Fatalf("expected retries off by default, got %v", cfg.RetryMode())
	}
	if cfg.DefaultHeaders() != nil {
		t.Fatalf("expected no default headers")
	}
}

func TestLoadBooleanAutoRetry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("spider:\n  auto_retry: true\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetryMode() != retry.On {
		t.Fatalf("expected auto retry on, got %v", cfg.RetryMode())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Spider: SpiderConfig{Concurrency: 1},
		Engine: EngineConfig{Kind: EngineDirect, Timeout: time.Second},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Spider.Concurrency = 0
				return c
			}(),
			want: "spider.concurrency",
		},
		{
			name: "negative retries",
			cfg: func() Config {
				c := base
				c.Spider.MaxRetries = -1
				return c
			}(),
			want: "spider.max_retries",
		},
		{
			name: "unknown retry mode",
			cfg: func() Config {
				c := base
				c.Spider.AutoRetry = "sometimes"
				return c
			}(),
			want: "spider.auto_retry",
		},
		{
			name: "negative throttle",
			cfg: func() Config {
				c := base
				c.Spider.Throttle = -1
				return c
			}(),
			want: "spider.throttle",
		},
		{
			name: "unknown engine",
			cfg: func() Config {
				c := base
				c.Engine.Kind = "grpc"
				return c
			}(),
			want: "engine.kind",
		},
		{
			name: "worker without renderer",
			cfg: func() Config {
				c := base
				c.Engine.Kind = EngineWorker
				c.Renderer.MaxParallel = 1
				return c
			}(),
			want: "renderer.path",
		},
		{
			name: "worker without pages",
			cfg: func() Config {
				c := base
				c.Engine.Kind = EngineWorker
				c.Renderer.Path = "feedspider-renderer"
				return c
			}(),
			want: "renderer.max_parallel",
		},
		{
			name: "invalid engine timeout",
			cfg: func() Config {
				c := base
				c.Engine.Timeout = 0
				return c
			}(),
			want: "engine.timeout",
		},
		{
			name: "bad log level",
			cfg: func() Config {
				c := base
				c.Logging.Level = "loud"
				return c
			}(),
			want: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

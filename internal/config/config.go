// Package config loads and validates feedspider configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/feedspider/internal/retry"
)

// Engine kinds accepted by engine.kind.
const (
	EngineDirect = "direct"
	EngineWorker = "worker"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Spider   SpiderConfig   `mapstructure:"spider"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Renderer RendererConfig `mapstructure:"renderer"`
	Hub      HubConfig      `mapstructure:"hub"`
	Output   OutputConfig   `mapstructure:"output"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	// Feeds are URL strings or maps with url or hostname/pathname keys.
	Feeds []any `mapstructure:"feeds"`
}

// SpiderConfig holds the run options of the spider.
type SpiderConfig struct {
	Concurrency int               `mapstructure:"concurrency"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	MaxRetries  int               `mapstructure:"max_retries"`
	AutoRetry   string            `mapstructure:"auto_retry"`
	Limit       int               `mapstructure:"limit"`
	Params      map[string]any    `mapstructure:"params"`
	Headers     map[string]string `mapstructure:"headers"`
	// Throttle is the per-host dispatch rate in requests per second.
	Throttle          float64  `mapstructure:"throttle"`
	Script            string   `mapstructure:"script"`
	SynchronousScript bool     `mapstructure:"synchronous_script"`
	RequiredKeys      []string `mapstructure:"required_keys"`
	// BlockedDomains are hosts whose jobs are discarded unfetched.
	// "*.example.com" also blocks subdomains.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// EngineConfig selects and tunes the fetch engine.
type EngineConfig struct {
	Kind          string        `mapstructure:"kind"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	// DetectRendering warns about pages the direct engine cannot see fully.
	DetectRendering bool `mapstructure:"detect_rendering"`
}

// RendererConfig configures the rendering worker process.
type RendererConfig struct {
	Path              string        `mapstructure:"path"`
	Args              []string      `mapstructure:"args"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
}

// HubConfig tunes the progress hub batching.
type HubConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// OutputConfig controls where results are written. An empty Dir disables
// result files.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Prefix string `mapstructure:"prefix"`
}

// ServerConfig controls the status server. An empty Listen disables it.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDSPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("spider.concurrency", 1)
	v.SetDefault("spider.timeout", "30s")
	v.SetDefault("spider.max_retries", 0)
	v.SetDefault("spider.auto_retry", "false")
	v.SetDefault("spider.limit", 0)
	v.SetDefault("spider.throttle", 0)
	v.SetDefault("spider.synchronous_script", true)
	v.SetDefault("engine.kind", EngineDirect)
	v.SetDefault("engine.user_agent", "feedspider/0.1")
	v.SetDefault("engine.respect_robots", false)
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("engine.max_body_bytes", 10*1024*1024)
	v.SetDefault("engine.detect_rendering", true)
	v.SetDefault("renderer.path", "feedspider-renderer")
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.navigation_timeout", "45s")
	v.SetDefault("renderer.settle", "0s")
	v.SetDefault("hub.buffer_size", 4096)
	v.SetDefault("hub.max_batch_events", 1000)
	v.SetDefault("hub.max_batch_wait", "500ms")
	v.SetDefault("hub.sink_timeout", "10s")
	v.SetDefault("output.dir", "")
	v.SetDefault("output.prefix", "results")
	v.SetDefault("server.listen", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Spider.Concurrency < 1 {
		return fmt.Errorf("spider.concurrency must be >= 1")
	}
	if c.Spider.Timeout < 0 {
		return fmt.Errorf("spider.timeout must be >= 0")
	}
	if c.Spider.MaxRetries < 0 {
		return fmt.Errorf("spider.max_retries must be >= 0")
	}
	if _, err := retry.ParseMode(c.Spider.AutoRetry); err != nil {
		return fmt.Errorf("spider.auto_retry: %w", err)
	}
	if c.Spider.Limit < 0 {
		return fmt.Errorf("spider.limit must be >= 0")
	}
	if c.Spider.Throttle < 0 {
		return fmt.Errorf("spider.throttle must be >= 0")
	}
	switch c.Engine.Kind {
	case EngineDirect:
	case EngineWorker:
		if strings.TrimSpace(c.Renderer.Path) == "" {
			return fmt.Errorf("renderer.path must be set when engine.kind is worker")
		}
		if c.Renderer.MaxParallel <= 0 {
			return fmt.Errorf("renderer.max_parallel must be > 0 when engine.kind is worker")
		}
	default:
		return fmt.Errorf("engine.kind must be %q or %q, got %q", EngineDirect, EngineWorker, c.Engine.Kind)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be > 0")
	}
	if c.Hub.MaxBatchEvents < 0 || c.Hub.BufferSize < 0 {
		return fmt.Errorf("hub.buffer_size and hub.max_batch_events must be >= 0")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// RetryMode returns the parsed spider.auto_retry value.
func (c Config) RetryMode() retry.Mode {
	m, err := retry.ParseMode(c.Spider.AutoRetry)
	if err != nil {
		return retry.Off
	}
	return m
}

// DefaultHeaders converts spider.headers into an http.Header.
func (c Config) DefaultHeaders() http.Header {
	if len(c.Spider.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Spider.Headers))
	for k, v := range c.Spider.Headers {
		h.Set(k, v)
	}
	return h
}

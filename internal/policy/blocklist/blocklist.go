// Package blocklist discards jobs aimed at hosts the operator ruled out.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/middleware"
)

// ErrBlocked is returned by the hook for a blocked host.
var ErrBlocked = errors.New("host is blocked")

// Blocklist stores exact hosts and suffix wildcards derived from configuration.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// New parses patterns: "example.com" blocks that host only, "*.example.com"
// and ".example.com" block it and every subdomain. It returns nil when no
// pattern is usable; a nil Blocklist blocks nothing.
func New(patterns []string) *Blocklist {
	matcher := &Blocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches any pattern.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Hook rejects requests to blocked hosts. The spider discards such jobs
// without fetching them.
func (b *Blocklist) Hook(_ context.Context, req *job.Request) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("parse %q: %w", req.URL, err)
	}
	if b.IsBlocked(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlocked, u.Hostname())
	}
	return nil
}

// Plugin installs Hook in the BeforeScraping phase.
func (b *Blocklist) Plugin() middleware.Plugin {
	return func(c middleware.Capabilities) error {
		c.Pipeline.UseBeforeScraping(b.Hook)
		return nil
	}
}

// Package detector spots pages fetched over plain HTTP that are shells for
// client-side rendering, whose data only the worker engine can see.
package detector

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/middleware"
)

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// NeedsRender reports whether res looks like it needs a browser to show its
// content.
func (h *Heuristic) NeedsRender(res *job.Response) bool {
	if res == nil || res.Status != http.StatusOK {
		return false
	}
	body := res.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}

// Plugin installs an AfterScraping hook that warns about each page needing
// a browser. It never fails the job.
func (h *Heuristic) Plugin(logger *zap.Logger) middleware.Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c middleware.Capabilities) error {
		c.Pipeline.UseAfterScraping(func(_ context.Context, req *job.Request, res *job.Response) error {
			if h.NeedsRender(res) {
				logger.Warn("page looks client-rendered; the worker engine may extract more",
					zap.String("url", req.URL))
			}
			return nil
		})
		return nil
	}
}

// Package engine defines the fetch contract spiders depend on and the
// observer channel engines use for page-level notifications.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/JakeFAU/feedspider/internal/job"
)

// ErrEngineLost reports that the fetch collaborator is gone for good.
var ErrEngineLost = errors.New("engine lost")

// Engine retrieves a job's resource and fills its Response.
//
// Fetch is called at most once per attempt and returns exactly once. It
// always replaces j.Response with a fresh value, so status, headers and data
// are present even on failure. A deadline on ctx surfaces as *job.TimeoutError.
type Engine interface {
	Fetch(ctx context.Context, j *job.Job) error
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, j *job.Job) error

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, j *job.Job) error {
	return f(ctx, j)
}

// Page notification names relayed by engines.
const (
	PageLog        = "page:log"
	PageError      = "page:error"
	PageAlert      = "page:alert"
	PageNavigation = "page:navigation"
)

// PageEvent is an asynchronous, job-correlated notification from a page.
type PageEvent struct {
	Name string
	URL  string
	Data json.RawMessage
}

// Observer receives page notifications for the job being fetched.
type Observer interface {
	OnPage(j *job.Job, ev PageEvent)
	// OnNavigation returns a follow-up script for a page that navigated to
	// url. ok is false when no script should run.
	OnNavigation(ctx context.Context, j *job.Job, url string) (script string, ok bool)
}

type observerKey struct{}

// WithObserver attaches obs to ctx.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

// ObserverFrom returns the observer carried by ctx, or a no-op one.
func ObserverFrom(ctx context.Context) Observer {
	if obs, ok := ctx.Value(observerKey{}).(Observer); ok && obs != nil {
		return obs
	}
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) OnPage(*job.Job, PageEvent) {}

func (nopObserver) OnNavigation(context.Context, *job.Job, string) (string, bool) {
	return "", false
}

// ContextError converts a finished context into the job taxonomy. Deadlines
// become *job.TimeoutError; cancellation is returned as is.
func ContextError(ctx context.Context, timeout time.Duration) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if timeout <= 0 {
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
		}
		return &job.TimeoutError{After: timeout}
	}
	return err
}

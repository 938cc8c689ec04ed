// Package middleware holds the ordered hook chains a spider runs around its
// lifecycle and around every job attempt.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/feedspider/internal/job"
	"github.com/JakeFAU/feedspider/internal/progress"
)

// Phase names a hook chain.
type Phase string

const (
	// Before runs once when the spider starts, ahead of any admission.
	Before Phase = "before"
	// BeforeScraping runs ahead of every fetch attempt.
	BeforeScraping Phase = "beforeScraping"
	// AfterScraping runs after a fetch succeeds at the transport level.
	AfterScraping Phase = "afterScraping"
	// After runs once at spider teardown.
	After Phase = "after"
)

var (
	// ErrUnknownPhase is returned by Use for an unrecognised phase name.
	ErrUnknownPhase = errors.New("unknown middleware phase")
	// ErrHookType is returned by Use when the hook does not fit the phase.
	ErrHookType = errors.New("hook type does not match phase")
)

// SpiderHook runs in the Before and After phases.
type SpiderHook func(ctx context.Context) error

// RequestHook runs in the BeforeScraping phase and may mutate the request.
type RequestHook func(ctx context.Context, req *job.Request) error

// ResponseHook runs in the AfterScraping phase.
type ResponseHook func(ctx context.Context, req *job.Request, res *job.Response) error

// Pipeline stores the four chains. Registration is safe while chains run;
// a run sees the chain as it was when the run began.
type Pipeline struct {
	mu             sync.RWMutex
	before         []SpiderHook
	beforeScraping []RequestHook
	afterScraping  []ResponseHook
	after          []SpiderHook
}

// New returns an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use registers hook in the named phase. Plain funcs with the matching
// signature are accepted alongside the named hook types.
func (p *Pipeline) Use(phase Phase, hook any) error {
	switch phase {
	case Before, After:
		var h SpiderHook
		switch fn := hook.(type) {
		case SpiderHook:
			h = fn
		case func(context.Context) error:
			h = fn
		default:
			return fmt.Errorf("%w: %s wants func(context.Context) error, got %T", ErrHookType, phase, hook)
		}
		if phase == Before {
			p.UseBefore(h)
		} else {
			p.UseAfter(h)
		}
	case BeforeScraping:
		switch fn := hook.(type) {
		case RequestHook:
			p.UseBeforeScraping(fn)
		case func(context.Context, *job.Request) error:
			p.UseBeforeScraping(fn)
		default:
			return fmt.Errorf("%w: %s wants RequestHook, got %T", ErrHookType, phase, hook)
		}
	case AfterScraping:
		switch fn := hook.(type) {
		case ResponseHook:
			p.UseAfterScraping(fn)
		case func(context.Context, *job.Request, *job.Response) error:
			p.UseAfterScraping(fn)
		default:
			return fmt.Errorf("%w: %s wants ResponseHook, got %T", ErrHookType, phase, hook)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	return nil
}

func (p *Pipeline) UseBefore(h SpiderHook) {
	p.mu.Lock()
	p.before = append(p.before, h)
	p.mu.Unlock()
}

func (p *Pipeline) UseBeforeScraping(h RequestHook) {
	p.mu.Lock()
	p.beforeScraping = append(p.beforeScraping, h)
	p.mu.Unlock()
}

func (p *Pipeline) UseAfterScraping(h ResponseHook) {
	p.mu.Lock()
	p.afterScraping = append(p.afterScraping, h)
	p.mu.Unlock()
}

func (p *Pipeline) UseAfter(h SpiderHook) {
	p.mu.Lock()
	p.after = append(p.after, h)
	p.mu.Unlock()
}

// Len returns the number of hooks registered for phase.
func (p *Pipeline) Len(phase Phase) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch phase {
	case Before:
		return len(p.before)
	case BeforeScraping:
		return len(p.beforeScraping)
	case AfterScraping:
		return len(p.afterScraping)
	case After:
		return len(p.after)
	default:
		return 0
	}
}

// RunBefore runs the Before chain, stopping at the first error.
func (p *Pipeline) RunBefore(ctx context.Context) error {
	p.mu.RLock()
	chain := append([]SpiderHook(nil), p.before...)
	p.mu.RUnlock()
	return runSpiderChain(ctx, Before, chain)
}

// RunAfter runs the After chain, stopping at the first error.
func (p *Pipeline) RunAfter(ctx context.Context) error {
	p.mu.RLock()
	chain := append([]SpiderHook(nil), p.after...)
	p.mu.RUnlock()
	return runSpiderChain(ctx, After, chain)
}

// RunBeforeScraping runs the BeforeScraping chain against req.
func (p *Pipeline) RunBeforeScraping(ctx context.Context, req *job.Request) error {
	p.mu.RLock()
	chain := append([]RequestHook(nil), p.beforeScraping...)
	p.mu.RUnlock()
	for i, h := range chain {
		if err := guard(BeforeScraping, i, func() error { return h(ctx, req) }); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterScraping runs the AfterScraping chain against req and res.
func (p *Pipeline) RunAfterScraping(ctx context.Context, req *job.Request, res *job.Response) error {
	p.mu.RLock()
	chain := append([]ResponseHook(nil), p.afterScraping...)
	p.mu.RUnlock()
	for i, h := range chain {
		if err := guard(AfterScraping, i, func() error { return h(ctx, req, res) }); err != nil {
			return err
		}
	}
	return nil
}

func runSpiderChain(ctx context.Context, phase Phase, chain []SpiderHook) error {
	for i, h := range chain {
		if err := guard(phase, i, func() error { return h(ctx) }); err != nil {
			return err
		}
	}
	return nil
}

// guard runs fn and converts a panic into an error of the phase.
func guard(phase Phase, index int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook %d panicked: %v", phase, index, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s hook %d: %w", phase, index, err)
	}
	return nil
}

// Subscriber is the event side of the plugin capabilities.
type Subscriber interface {
	On(pattern string, h progress.Handler) (unsubscribe func())
}

// Capabilities is what a plugin may touch on the spider it is installed in.
type Capabilities struct {
	Events   Subscriber
	Pipeline *Pipeline
}

// Plugin installs hooks and listeners through explicit capabilities.
type Plugin func(c Capabilities) error

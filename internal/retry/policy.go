// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/feedspider/internal/engine"
	"github.com/JakeFAU/feedspider/internal/job"
)

// ErrRetriesExhausted is returned when a job already used all of its retries.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Mode selects whether failed jobs are retried automatically.
type Mode int

const (
	// Off leaves retries to the failure callback.
	Off Mode = iota
	// On retries automatically at the tail of the queue.
	On
	// Now retries automatically at the head of the queue.
	Now
	// Later retries automatically at the tail of the queue.
	Later
)

func (m Mode) String() string {
	switch m {
	case On:
		return "true"
	case Now:
		return "now"
	case Later:
		return "later"
	default:
		return "false"
	}
}

// ParseMode accepts false|off|0|"", true|on|1, now and later. The numeric
// forms are what weakly typed config decoding makes of YAML booleans.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "off", "0":
		return Off, nil
	case "true", "on", "1":
		return On, nil
	case "now":
		return Now, nil
	case "later":
		return Later, nil
	default:
		return Off, fmt.Errorf("unknown retry mode %q", s)
	}
}

// Decision is the outcome of a failed attempt.
type Decision int

const (
	// Fail moves the job to remains.
	Fail Decision = iota
	// RetryNow re-admits the job at the head of the queue.
	RetryNow
	// RetryLater re-admits the job at the tail of the queue.
	RetryLater
)

func (d Decision) String() string {
	switch d {
	case RetryNow:
		return "retry-now"
	case RetryLater:
		return "retry-later"
	default:
		return "fail"
	}
}

// Policy applies MaxRetries and Mode to job failures.
type Policy struct {
	MaxRetries int
	Mode       Mode
}

// Retryable reports whether err may ever be retried. Discards, engine loss
// and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if job.IsDiscard(err) {
		return false
	}
	if errors.Is(err, engine.ErrEngineLost) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CanRetry reports whether a job with the given retry count has budget left.
func (p Policy) CanRetry(retries int) bool {
	return retries < p.MaxRetries
}

// Check returns nil when a manual retry is allowed.
func (p Policy) Check(retries int) error {
	if !p.CanRetry(retries) {
		return fmt.Errorf("%w: %d of %d used", ErrRetriesExhausted, retries, p.MaxRetries)
	}
	return nil
}

// Decide picks the outcome of an automatic retry decision.
func (p Policy) Decide(err error, retries int) Decision {
	if !Retryable(err) || !p.CanRetry(retries) {
		return Fail
	}
	switch p.Mode {
	case Now:
		return RetryNow
	case On, Later:
		return RetryLater
	default:
		return Fail
	}
}

package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type names an event of the catalog.
type Type string

// Spider lifecycle events.
const (
	SpiderStart   Type = "spider:start"
	SpiderPause   Type = "spider:pause"
	SpiderResume  Type = "spider:resume"
	SpiderLock    Type = "spider:lock"
	SpiderUnlock  Type = "spider:unlock"
	SpiderSuccess Type = "spider:success"
	SpiderFail    Type = "spider:fail"
	SpiderEnd     Type = "spider:end"
)

// Job events.
const (
	JobAdd     Type = "job:add"
	JobStart   Type = "job:start"
	JobSuccess Type = "job:success"
	JobFail    Type = "job:fail"
	JobRetry   Type = "job:retry"
	JobDiscard Type = "job:discard"
)

// Page events relayed from the engine.
const (
	PageLog        Type = "page:log"
	PageError      Type = "page:error"
	PageAlert      Type = "page:alert"
	PageNavigation Type = "page:navigation"
)

var catalog = map[Type]struct{}{
	SpiderStart: {}, SpiderPause: {}, SpiderResume: {}, SpiderLock: {},
	SpiderUnlock: {}, SpiderSuccess: {}, SpiderFail: {}, SpiderEnd: {},
	JobAdd: {}, JobStart: {}, JobSuccess: {}, JobFail: {}, JobRetry: {}, JobDiscard: {},
	PageLog: {}, PageError: {}, PageAlert: {}, PageNavigation: {},
}

// Known reports whether t belongs to the catalog.
func Known(t Type) bool {
	_, ok := catalog[t]
	return ok
}

// Scope returns the part of the type before the colon ("spider", "job", "page").
func (t Type) Scope() string {
	scope, _, _ := strings.Cut(string(t), ":")
	return scope
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one entry of the catalog with its fixed payload.
type Event struct {
	// Type selects the catalog entry.
	Type Type
	// SpiderID identifies the publishing spider.
	SpiderID string
	// JobID is set for job and page events.
	JobID string
	// TS is the UTC timestamp recorded by the publisher.
	TS time.Time
	// URL is the job's request URL, or the navigated URL for page:navigation.
	URL string
	// Status is the last response status, zero when unknown.
	Status int
	// Retries is the job's retry count at the time of the event.
	Retries int
	// Dur is the attempt latency for job:success and job:fail.
	Dur time.Duration
	// Err carries the failure for job:fail, job:discard and spider:fail.
	Err error
	// Data is the extracted result for job:success, or the raw page payload.
	Data any
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if !Known(e.Type) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.SpiderID == "" {
		return errors.New("spider id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if scope := e.Type.Scope(); (scope == "job" || scope == "page") && e.JobID == "" {
		return fmt.Errorf("%s requires job id", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

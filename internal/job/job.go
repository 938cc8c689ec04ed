// Package job defines the unit of work a spider schedules, the feed forms it
// accepts, and the error taxonomy shared by every layer.
package job

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// State is the lifecycle position of a job.
type State string

const (
	// StateQueued means the job waits in the pending list.
	StateQueued State = "queued"
	// StateRunning means the job holds an in-flight slot.
	StateRunning State = "running"
	// StateFailing means the last attempt failed and a decision is pending.
	StateFailing State = "failing"
	// StateRetrying means the job was granted another attempt.
	StateRetrying State = "retrying"
	// StateDone means the job completed successfully.
	StateDone State = "done"
)

// ErrIllegalTransition is returned by Transition for moves outside the job graph.
var ErrIllegalTransition = errors.New("illegal job state transition")

var transitions = map[State][]State{
	StateQueued:   {StateRunning, StateFailing},
	StateRunning:  {StateDone, StateFailing},
	StateFailing:  {StateRetrying},
	StateRetrying: {StateQueued},
}

// ExtractFunc turns a fetched document into the job's result data.
type ExtractFunc func(doc *goquery.Document, j *Job) (any, error)

// Extraction describes how the engine derives Response.Data. Func is used by
// the direct engine; Script is evaluated by the rendering worker.
type Extraction struct {
	Func        ExtractFunc
	Script      string
	Synchronous bool
}

// Request is the mutable outbound half of a job.
type Request struct {
	URL        string
	Method     string
	Headers    http.Header
	Body       []byte
	Auth       *Auth
	Params     map[string]any
	Data       map[string]any
	Timeout    time.Duration
	Retries    int
	Extraction Extraction
}

// Response is populated by the engine on every attempt.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Data    any
	Err     error
}

// Defaults holds spider-level values applied to fields a feed leaves unset.
type Defaults struct {
	Method     string
	Timeout    time.Duration
	Params     map[string]any
	Headers    http.Header
	Extraction Extraction
}

// Job is one unit of work derived from a feed.
type Job struct {
	ID       string
	Original any
	Request  *Request
	Response *Response

	mu    sync.Mutex
	state State
}

// New builds a queued job from a single feed.
func New(id string, feed Feed, defaults Defaults) (*Job, error) {
	target, err := feed.Resolve()
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(feed.Method)
	if method == "" {
		method = defaults.Method
	}
	if method == "" {
		method = http.MethodGet
	}
	timeout := feed.Timeout
	if timeout <= 0 {
		timeout = defaults.Timeout
	}

	headers := make(http.Header)
	for k, v := range defaults.Headers {
		headers[k] = append([]string(nil), v...)
	}
	for k, v := range feed.Headers {
		headers[k] = append([]string(nil), v...)
	}

	params := make(map[string]any, len(defaults.Params)+len(feed.Params))
	maps.Copy(params, defaults.Params)
	maps.Copy(params, feed.Params)

	data := make(map[string]any, len(feed.Data))
	maps.Copy(data, feed.Data)

	var auth *Auth
	if feed.Auth != nil {
		a := *feed.Auth
		auth = &a
	}

	return &Job{
		ID:       id,
		Original: feed.Original(),
		Request: &Request{
			URL:        target,
			Method:     method,
			Headers:    headers,
			Body:       append([]byte(nil), feed.Body...),
			Auth:       auth,
			Params:     params,
			Data:       data,
			Timeout:    timeout,
			Extraction: defaults.Extraction,
		},
		Response: &Response{Headers: make(http.Header)},
		state:    StateQueued,
	}, nil
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to next, rejecting edges outside the job graph.
func (j *Job) Transition(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, allowed := range transitions[j.state] {
		if allowed == next {
			j.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.state, next)
}

// ResetResponse replaces the response with an empty one ahead of an attempt.
func (j *Job) ResetResponse() *Response {
	j.Response = &Response{Headers: make(http.Header)}
	return j.Response
}

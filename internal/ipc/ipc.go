// Package ipc implements the message protocol between the worker engine and a
// rendering worker, with an in-memory transport and a newline-delimited JSON
// transport for a child process' stdio.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned once a connection or its peer has been closed.
var ErrClosed = errors.New("ipc: connection closed")

// Kind distinguishes requests, replies and one-way notifications.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindNotify  Kind = "notify"
)

// Message is one frame on the channel. Replies carry the request id in ReplyTo.
type Message struct {
	Kind    Kind            `json:"kind"`
	Name    string          `json:"name,omitempty"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// NewMessage encodes body into a message.
func NewMessage(kind Kind, name, id string, body any) (Message, error) {
	m := Message{Kind: kind, Name: name, ID: id}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s body: %w", name, err)
		}
		m.Body = raw
	}
	return m, nil
}

// Reply builds a reply to m carrying body.
func Reply(m Message, body any) (Message, error) {
	r, err := NewMessage(KindReply, m.Name, "", body)
	if err != nil {
		return Message{}, err
	}
	r.ReplyTo = m.ID
	return r, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("decode %s: empty body", m.Name)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Name, err)
	}
	return nil
}

// Conn is a bidirectional message channel. Send and Recv may be called from
// different goroutines; Recv must have a single caller.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Scrape is the body of a "scrape" request.
type Scrape struct {
	CallID            string         `json:"callId"`
	JobID             string         `json:"jobId"`
	URL               string         `json:"url"`
	Script            string         `json:"script"`
	SynchronousScript bool           `json:"synchronousScript"`
	Params            map[string]any `json:"params,omitempty"`
	// Timeout is in milliseconds.
	Timeout int64 `json:"timeout"`
}

// ScrapeReply is the body of a "scrape" reply, success or failure.
type ScrapeReply struct {
	Fail    bool                `json:"fail,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Failure reasons carried by ScrapeReply.
const (
	ReasonFail   = "fail"
	ReasonStatus = "status"
	ReasonScript = "script"
)

// PageNotice is the body of page:log, page:error and page:alert notifications.
type PageNotice struct {
	CallID string          `json:"callId"`
	JobID  string          `json:"jobId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Navigation is the body of a page:navigation request.
type Navigation struct {
	CallID string `json:"callId"`
	JobID  string `json:"jobId"`
	URL    string `json:"url"`
}

// NavigationReply answers a page:navigation request. An empty script means
// nothing should run.
type NavigationReply struct {
	Script string `json:"script"`
}

// Request names.
const (
	NameScrape = "scrape"
)

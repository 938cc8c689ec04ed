package ipc

import (
	"context"
	"sync"
)

// pipeEnd is one side of an in-memory connection. Messages travel through
// buffered channels; closing either side ends both directions once the
// already-buffered messages are drained.
type pipeEnd struct {
	in     <-chan Message
	out    chan<- Message
	done   chan struct{}
	closer *sync.Once
}

const pipeBuffer = 64

// Pipe returns two connected in-memory endpoints.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, closer: once}
	b := &pipeEnd{in: ab, out: ba, done: done, closer: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		select {
		case m := <-p.in:
			return m, nil
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closer.Do(func() { close(p.done) })
	return nil
}

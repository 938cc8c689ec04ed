package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const maxFrameSize = 16 << 20

// Stream carries newline-delimited JSON messages over a reader/writer pair,
// typically a child process' stdout and stdin.
type Stream struct {
	wmu     sync.Mutex
	enc     *json.Encoder
	frames  chan frame
	done    chan struct{}
	once    sync.Once
	closers []io.Closer
}

type frame struct {
	msg Message
	err error
}

// NewStream starts reading frames from r. closers are closed by Close, after
// which Recv reports ErrClosed.
func NewStream(r io.Reader, w io.Writer, closers ...io.Closer) *Stream {
	s := &Stream{
		enc:     json.NewEncoder(w),
		frames:  make(chan frame),
		done:    make(chan struct{}),
		closers: closers,
	}
	go s.read(r)
	return s
}

func (s *Stream) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			if !s.deliver(frame{err: fmt.Errorf("ipc: malformed frame: %w", err)}) {
				return
			}
			continue
		}
		if !s.deliver(frame{msg: m}) {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.deliver(frame{err: fmt.Errorf("%w: %w", ErrClosed, err)})
}

func (s *Stream) deliver(f frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Send writes one frame.
func (s *Stream) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.enc.Encode(m); err != nil {
		return fmt.Errorf("ipc: write %s: %w", m.Name, err)
	}
	return nil
}

// Recv returns the next frame. A malformed frame is reported as an error
// without ending the stream; end of input wraps ErrClosed.
func (s *Stream) Recv(ctx context.Context) (Message, error) {
	select {
	case f := <-s.frames:
		return f.msg, f.err
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close stops the stream and closes the underlying closers.
func (s *Stream) Close() error {
	var errs []error
	s.once.Do(func() {
		close(s.done)
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	readChunkSize = 256

	// MaxResponseSize caps a single accumulated response.
	MaxResponseSize = 64 * 1024
)

// Handle is an open transport. Reads and writes must come from a single
// goroutine; Close may be called from any goroutine and unblocks a pending read.
type Handle struct {
	port     Port
	settings Settings

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	readTimeout time.Duration
}

// Open opens a port through o and wraps it in a Handle.
func Open(o Opener, s Settings) (*Handle, error) {
	s = s.WithDefaults()
	port, err := o.Open(s)
	if err != nil {
		return nil, err
	}
	return &Handle{port: port, settings: s}, nil
}

// Settings returns the settings the handle was opened with.
func (h *Handle) Settings() Settings { return h.settings }

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Close releases the port. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.port.Close()
	})
	return h.closeErr
}

// Discard drops anything sitting in the input buffer.
func (h *Handle) Discard() error {
	if h.closed.Load() {
		return ErrDisconnected
	}
	return h.port.ResetInputBuffer()
}

// ReadUntilIdle accumulates bytes until the line stays silent for idle.
// A silent peer yields a *TimeoutError with Received == 0; any data followed
// by silence is a successful read.
func (h *Handle) ReadUntilIdle(ctx context.Context, idle time.Duration) ([]byte, error) {
	return h.ReadUntil(ctx, idle, nil)
}

// ReadUntil accumulates bytes until done reports a complete response, or the
// line goes idle. An idle line with done unsatisfied is a *TimeoutError that
// carries the partial bytes.
func (h *Handle) ReadUntil(ctx context.Context, idle time.Duration, done func([]byte) bool) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrDisconnected
	}
	if idle <= 0 {
		idle = h.settings.Timeout
	}
	if err := h.setReadTimeout(idle); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			if h.closed.Load() {
				return buf, ErrDisconnected
			}
			return buf, err
		}

		n, err := h.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if done != nil && done(buf) {
				return buf, nil
			}
			if len(buf) > MaxResponseSize {
				return buf, ErrOverrun
			}
		}
		if err != nil {
			if h.closed.Load() || errors.Is(err, io.EOF) {
				return buf, ErrDisconnected
			}
			return buf, fmt.Errorf("%w: read: %v", ErrDisconnected, err)
		}
		if n > 0 {
			continue
		}

		// Read returned nothing within the timeout: the line is idle.
		if h.closed.Load() {
			return buf, ErrDisconnected
		}
		if len(buf) == 0 || done != nil {
			return buf, &TimeoutError{Received: len(buf), Partial: buf}
		}
		return buf, nil
	}
}

// WriteAll writes every byte of b or fails. A write that does not finish
// within the configured timeout returns ErrWriteTimeout.
func (h *Handle) WriteAll(ctx context.Context, b []byte) error {
	if h.closed.Load() {
		return ErrDisconnected
	}

	done := make(chan error, 1)
	go func() {
		written := 0
		for written < len(b) {
			n, err := h.port.Write(b[written:])
			written += n
			if err != nil {
				done <- err
				return
			}
			if n == 0 {
				done <- io.ErrShortWrite
				return
			}
		}
		done <- nil
	}()

	timer := time.NewTimer(h.settings.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if h.closed.Load() {
			return ErrDisconnected
		}
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		if h.closed.Load() {
			return ErrDisconnected
		}
		return ctx.Err()
	}
}

func (h *Handle) setReadTimeout(t time.Duration) error {
	if t == h.readTimeout {
		return nil
	}
	if err := h.port.SetReadTimeout(t); err != nil {
		if h.closed.Load() {
			return ErrDisconnected
		}
		return fmt.Errorf("%w: set read timeout: %v", ErrDisconnected, err)
	}
	h.readTimeout = t
	return nil
}

package ecu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goefitune/internal/protocol"
	"github.com/shaunagostinho/goefitune/internal/transport"
)

const userQueueSize = 64

// conn is one live link. Only the worker goroutine touches h for I/O.
type conn struct {
	h        *transport.Handle
	settings Settings

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	user chan *request
	poll chan *request

	pollBusy atomic.Bool
	timeouts int // consecutive, worker-owned

	// stale is how long to wait out an answer that may still be on its way
	// for a command that did not finish cleanly. Zero when the line is clean.
	stale time.Duration
}

type request struct {
	ctx  context.Context
	cmd  protocol.Command
	resp chan result
}

type result struct {
	resp protocol.Response
	err  error
}

func newConn(h *transport.Handle, s Settings) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		h:        h,
		settings: s,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		user:     make(chan *request, userQueueSize),
		poll:     make(chan *request, 1),
	}
}

func newRequest(ctx context.Context, cmd protocol.Command) *request {
	return &request{ctx: ctx, cmd: cmd, resp: make(chan result, 1)}
}

// submit queues req and waits for its result.
func (c *conn) submit(q chan *request, req *request) (protocol.Response, error) {
	select {
	case q <- req:
	case <-c.done:
		return protocol.Response{}, transport.ErrDisconnected
	case <-req.ctx.Done():
		return protocol.Response{}, req.ctx.Err()
	}
	return c.wait(req)
}

func (c *conn) wait(req *request) (protocol.Response, error) {
	select {
	case r := <-req.resp:
		return r.resp, r.err
	case <-c.done:
		select {
		case r := <-req.resp:
			return r.resp, r.err
		default:
			return protocol.Response{}, transport.ErrDisconnected
		}
	}
}

// next picks the next request: user commands first, but after maxUserBurst
// user commands in a row a waiting poll goes ahead.
func (c *conn) next(burst *int) (*request, bool) {
	if *burst >= maxUserBurst {
		select {
		case req := <-c.poll:
			*burst = 0
			return req, true
		default:
		}
	}
	select {
	case req := <-c.user:
		*burst++
		return req, true
	default:
	}
	select {
	case <-c.ctx.Done():
		return nil, false
	case req := <-c.user:
		*burst++
		return req, true
	case req := <-c.poll:
		*burst = 0
		return req, true
	}
}

// run is the worker loop. It owns the transport until the connection ends.
func (m *Manager) run(c *conn) {
	defer close(c.done)
	defer c.drainQueues()

	burst := 0
	for c.ctx.Err() == nil {
		req, ok := c.next(&burst)
		if !ok {
			return
		}
		if err := req.ctx.Err(); err != nil {
			req.resp <- result{err: err}
			continue
		}

		resp, err := m.execute(c, req)
		if c.ctx.Err() != nil && err != nil {
			err = transport.ErrDisconnected
		}
		req.resp <- result{resp: resp, err: err}

		switch {
		case err == nil:
			c.timeouts = 0
		case transport.IsLinkFailure(err):
			m.fail(c, err)
			return
		case errors.Is(err, transport.ErrIoTimeout):
			c.timeouts++
			if c.timeouts >= c.settings.MaxTimeouts {
				m.fail(c, fmt.Errorf("%w (%d in a row)", ErrTooManyTimeouts, c.timeouts))
				return
			}
		default:
			// The device answered, even if with an error.
			c.timeouts = 0
		}
	}
}

func (c *conn) drainQueues() {
	for {
		select {
		case req := <-c.user:
			req.resp <- result{err: transport.ErrDisconnected}
		case req := <-c.poll:
			req.resp <- result{err: transport.ErrDisconnected}
		default:
			return
		}
	}
}

// execute runs one request with write retries.
func (m *Manager) execute(c *conn, req *request) (protocol.Response, error) {
	attempts := 1
	if req.cmd.Tag == protocol.TagPageWrite || req.cmd.Tag == protocol.TagMemoryWrite {
		attempts = c.settings.WriteAttempts
	}

	var (
		resp protocol.Response
		err  error
	)
	for i := 1; ; i++ {
		resp, err = m.exchange(c, req.ctx, req.cmd)
		if err == nil || !protocol.IsRetryable(err) || i >= attempts {
			return resp, err
		}
		m.metrics.Retry()
		m.log.Info("retrying write", zap.Stringer("tag", req.cmd.Tag), zap.Uint8("page", req.cmd.Page),
			zap.Int("attempt", i+1), zap.Error(err))
	}
}

// exchange sends one command, trying the fast path first when enabled.
func (m *Manager) exchange(c *conn, ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if !c.settings.FastComms || !m.adapter.HasFastPath(cmd) {
		return m.transact(c, ctx, cmd)
	}

	fast := cmd
	fast.Fast = true
	resp, err := m.transact(c, ctx, fast)
	if err == nil || !fallbackable(err) {
		return resp, err
	}

	m.metrics.Fallback()
	fields := []zap.Field{zap.Stringer("tag", cmd.Tag), zap.Error(err)}
	if c.settings.FastFallback == FallbackVisible {
		m.log.Warn("fast comms failed, using standard path", fields...)
	} else {
		m.log.Debug("fast comms failed, using standard path", fields...)
	}

	resp, err = m.transact(c, ctx, cmd)
	if err == nil && c.settings.FastFallback == FallbackVisible {
		resp.FellBack = true
	}
	return resp, err
}

func fallbackable(err error) bool {
	if transport.IsLinkFailure(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Signature and page errors are about the request, not the path.
	return !errors.Is(err, protocol.ErrInvalidPage) && !errors.Is(err, protocol.ErrSignatureMismatch)
}

// transact writes one frame and reads its response. The input buffer is
// cleared before every write, and a command that ends without a complete
// answer leaves the line to be drained before the next one goes out.
func (m *Manager) transact(c *conn, ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	frame, err := m.adapter.Frame(cmd)
	if err != nil {
		return protocol.Response{Tag: cmd.Tag}, err
	}

	if err := m.settle(c); err != nil {
		return protocol.Response{Tag: cmd.Tag}, err
	}
	if err := c.h.WriteAll(ctx, frame); err != nil {
		m.metrics.Errored()
		c.stale = c.settings.Link.Timeout
		return protocol.Response{Tag: cmd.Tag}, err
	}
	m.metrics.Sent(len(frame))
	start := time.Now()

	idle := c.settings.Link.Timeout
	if cmd.Fast {
		idle = c.settings.FastIdle
	} else if c.settings.SettleDelay > 0 {
		if err := sleep(ctx, c.settings.SettleDelay); err != nil {
			c.stale = c.settings.Link.Timeout
			return protocol.Response{Tag: cmd.Tag}, err
		}
	}

	var raw []byte
	if m.adapter.Bounded(cmd) {
		raw, err = c.h.ReadUntil(ctx, idle, func(b []byte) bool { return m.adapter.Complete(cmd, b) })
	} else {
		raw, err = c.h.ReadUntilIdle(ctx, idle)
	}
	if err != nil {
		if errors.Is(err, transport.ErrIoTimeout) {
			m.metrics.Timeout()
		} else {
			m.metrics.Errored()
		}
		c.stale = c.settings.Link.Timeout
		return protocol.Response{Tag: cmd.Tag}, err
	}
	m.metrics.Received(len(raw), time.Since(start))

	resp, err := m.adapter.Parse(cmd, frame, raw)
	if err != nil {
		m.metrics.Errored()
		c.stale = c.settings.DrainIdle
		m.log.Debug("command failed", zap.Stringer("tag", cmd.Tag), zap.Bool("fast", cmd.Fast), zap.Error(err))
	}
	return resp, err
}

// settle clears the input buffer. After an unfinished command it first reads
// until the line has been silent for c.stale, so a late answer is dropped
// instead of being taken for the next command's.
func (m *Manager) settle(c *conn) error {
	if c.stale > 0 {
		idle := c.stale
		c.stale = 0

		ctx, cancel := context.WithTimeout(c.ctx, idle+c.settings.DrainMax)
		b, err := c.h.ReadUntilIdle(ctx, idle)
		cancel()
		if len(b) > 0 {
			m.log.Debug("dropped late response", zap.Int("bytes", len(b)), zap.Binary("first", b[:min(len(b), 16)]))
		}
		if errors.Is(err, transport.ErrDisconnected) {
			return err
		}
	}
	if err := c.h.Discard(); err != nil && c.h.Closed() {
		return transport.ErrDisconnected
	}
	return nil
}

// Package ecu owns the link to one engine control unit: baud negotiation and
// handshake, the connection state machine, and the single worker goroutine
// that serialises every command on the half-duplex line.
package ecu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/metrics"
	"github.com/shaunagostinho/goefitune/internal/protocol"
	"github.com/shaunagostinho/goefitune/internal/transport"
)

const subscriberBuffer = 16

// Manager is the connection manager for one ECU. All methods are safe for
// concurrent use.
type Manager struct {
	log     *zap.Logger
	opener  transport.Opener
	layout  *layout.Layout
	adapter *protocol.Adapter
	metrics *metrics.Collector
	bauds   []int

	state atomic.Pointer[State]

	// lifecycle serialises Connect and Disconnect.
	lifecycle sync.Mutex

	mu            sync.Mutex
	conn          *conn
	cancelConnect context.CancelFunc
	subs          map[int]chan State
	nextSub       int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithOpener replaces the serial port opener, e.g. with a simulator.
func WithOpener(o transport.Opener) Option {
	return func(m *Manager) { m.opener = o }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithBaudRates replaces the auto-detect probe order.
func WithBaudRates(rates ...int) Option {
	return func(m *Manager) { m.bauds = rates }
}

// NewManager returns a disconnected manager for devices described by l.
func NewManager(l *layout.Layout, opts ...Option) (*Manager, error) {
	if l == nil {
		return nil, errors.New("ecu: nil layout")
	}
	a, err := l.Adapter()
	if err != nil {
		return nil, fmt.Errorf("ecu: %w", err)
	}
	m := &Manager{
		log:     zap.NewNop(),
		opener:  transport.Serial{},
		layout:  l,
		adapter: a,
		bauds:   AutoBaudRates,
		subs:    make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	m.log = m.log.Named("ecu")
	m.state.Store(&State{Phase: PhaseDisconnected, At: time.Now()})
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State { return *m.state.Load() }

// Layout returns the layout the manager was built for.
func (m *Manager) Layout() *layout.Layout { return m.layout }

// Metrics returns a snapshot of the current connection's counters.
func (m *Manager) Metrics() metrics.Snapshot { return m.metrics.Snapshot() }

// Subscribe returns a channel of state changes, starting with the current
// state, and a function that ends the subscription. A subscriber that falls
// behind misses states rather than blocking the manager.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, subscriberBuffer)
	ch <- *m.state.Load()
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// transition replaces the state wholesale. m.mu must be held.
func (m *Manager) transition(next State) bool {
	cur := m.state.Load()
	if !allowed(cur.Phase, next.Phase) {
		m.log.Warn("illegal state transition ignored",
			zap.Stringer("from", cur.Phase), zap.Stringer("to", next.Phase))
		return false
	}
	next.At = time.Now()
	m.state.Store(&next)

	for _, ch := range m.subs {
		select {
		case ch <- next:
		default:
		}
	}
	m.log.Debug("state", zap.Stringer("phase", next.Phase), zap.String("port", next.Port))
	return true
}

// Connect negotiates a link with the settings copied at call time. With
// BaudRate 0 every rate in the auto-detect list is tried in order until one
// answers the signature query.
func (m *Manager) Connect(ctx context.Context, s Settings) (State, error) {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return m.State(), err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return m.State(), ErrAlreadyConnected
	}
	m.cancelConnect = cancel
	m.transition(State{Phase: PhaseConnecting, Port: s.Link.Port})
	m.mu.Unlock()

	// Counters start with the attempt so failed probes are visible too.
	id := m.metrics.Reset()

	log := m.log.With(zap.String("port", s.Link.Port))
	cerr := &ConnectError{Port: s.Link.Port}

	for _, baud := range s.bauds(m.bauds) {
		if ctx.Err() != nil {
			cerr.Attempts = append(cerr.Attempts, BaudAttempt{Baud: baud, Err: ctx.Err()})
			break
		}

		h, sig, err := m.handshake(ctx, s, baud, log)
		if err != nil {
			log.Info("handshake failed", zap.Int("baud", baud), zap.Error(err))
			cerr.Attempts = append(cerr.Attempts, BaudAttempt{Baud: baud, Err: err})
			if errors.Is(err, transport.ErrPortNotFound) || errors.Is(err, transport.ErrPermissionDenied) ||
				errors.Is(err, transport.ErrUnsupported) {
				break
			}
			continue
		}

		mismatch := m.layout.Signature != "" && sig != m.layout.Signature
		if mismatch {
			log.Warn("signature mismatch", zap.String("got", sig), zap.String("want", m.layout.Signature))
			if s.RejectMismatch {
				_ = h.Close()
				cerr.Attempts = append(cerr.Attempts, BaudAttempt{Baud: baud,
					Err: fmt.Errorf("%w: got %q, want %q", protocol.ErrSignatureMismatch, sig, m.layout.Signature)})
				break
			}
		}

		c := newConn(h, s)

		m.mu.Lock()
		m.cancelConnect = nil
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = h.Close()
			cerr.Attempts = append(cerr.Attempts, BaudAttempt{Baud: baud, Err: ctx.Err()})
			break
		}
		m.conn = c
		m.transition(State{
			Phase:             PhaseConnected,
			Port:              s.Link.Port,
			Signature:         sig,
			Variant:           m.adapter.Variant(),
			Baud:              baud,
			SignatureMismatch: mismatch,
			ConnectionID:      id,
		})
		st := m.State()
		m.mu.Unlock()

		go m.run(c)
		log.Info("connected", zap.Int("baud", baud), zap.String("signature", sig),
			zap.Stringer("variant", m.adapter.Variant()), zap.String("connection_id", id))
		return st, nil
	}

	m.mu.Lock()
	m.cancelConnect = nil
	m.transition(State{Phase: PhaseError, Port: s.Link.Port, Message: cerr.Error()})
	st := m.State()
	m.mu.Unlock()
	return st, cerr
}

// handshake opens the port at baud, drains boot noise and asks for the
// signature.
func (m *Manager) handshake(ctx context.Context, s Settings, baud int, log *zap.Logger) (*transport.Handle, string, error) {
	ts := s.Link
	ts.BaudRate = baud
	h, err := transport.Open(m.opener, ts)
	if err != nil {
		return nil, "", err
	}

	if s.OpenDelay > 0 {
		if err := sleep(ctx, s.OpenDelay); err != nil {
			_ = h.Close()
			return nil, "", err
		}
	}
	m.drain(ctx, h, s, log.With(zap.Int("baud", baud)))

	cmd := protocol.Signature(m.layout.SignatureLength)
	frame, err := m.adapter.Frame(cmd)
	if err != nil {
		_ = h.Close()
		return nil, "", err
	}
	if err := h.WriteAll(ctx, frame); err != nil {
		m.metrics.Errored()
		_ = h.Close()
		return nil, "", err
	}
	m.metrics.Sent(len(frame))
	start := time.Now()

	var raw []byte
	if m.adapter.Bounded(cmd) {
		raw, err = h.ReadUntil(ctx, ts.Timeout, func(b []byte) bool { return m.adapter.Complete(cmd, b) })
	} else {
		raw, err = h.ReadUntilIdle(ctx, ts.Timeout)
	}
	if err != nil {
		if errors.Is(err, transport.ErrIoTimeout) {
			m.metrics.Timeout()
		} else {
			m.metrics.Errored()
		}
		_ = h.Close()
		return nil, "", err
	}
	m.metrics.Received(len(raw), time.Since(start))

	resp, err := m.adapter.Parse(cmd, frame, raw)
	if err != nil {
		m.metrics.Errored()
		_ = h.Close()
		return nil, "", err
	}
	sig := strings.TrimRight(string(resp.Data), "\x00\r\n ")
	if sig == "" {
		_ = h.Close()
		return nil, "", fmt.Errorf("empty signature: %w", protocol.ErrFraming)
	}
	return h, sig, nil
}

// drain discards whatever the device sends unprompted (boot banners,
// stale responses) until the line stays silent for DrainIdle or DrainMax
// has passed.
func (m *Manager) drain(ctx context.Context, h *transport.Handle, s Settings, log *zap.Logger) {
	_ = h.Discard()

	ctx, cancel := context.WithTimeout(ctx, s.DrainMax)
	defer cancel()

	if b, _ := h.ReadUntilIdle(ctx, s.DrainIdle); len(b) > 0 {
		log.Debug("drained", zap.Int("bytes", len(b)), zap.Binary("first", b[:min(len(b), 16)]))
	}
}

// Disconnect closes the link. It always succeeds in reaching Disconnected;
// queued and in-flight commands fail with transport.ErrDisconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	m.mu.Unlock()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if c != nil {
		c.cancel()
		err = c.h.Close()
		<-c.done
	}

	m.mu.Lock()
	if m.state.Load().Phase != PhaseDisconnected {
		m.transition(State{Phase: PhaseDisconnected})
	}
	m.mu.Unlock()

	if c != nil {
		m.log.Info("disconnected", zap.String("port", c.settings.Link.Port))
	}
	return err
}

// fail moves a live connection to Error after a link failure. It is a no-op
// when c is no longer current (Disconnect got there first).
func (m *Manager) fail(c *conn, cause error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.transition(State{Phase: PhaseError, Port: c.settings.Link.Port, Message: cause.Error()})
	m.mu.Unlock()

	c.cancel()
	_ = c.h.Close()
	m.log.Error("link lost", zap.String("port", c.settings.Link.Port), zap.Error(cause))
}

func (m *Manager) current() (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

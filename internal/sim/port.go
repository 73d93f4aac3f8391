package sim

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errUnplugged = errors.New("sim: device unplugged")

// port is one open link to a Device. It behaves like go.bug.st/serial: Read
// blocks for at most the read timeout and returns 0, nil on silence.
type port struct {
	dev  *Device
	baud int

	mu      sync.Mutex
	out     []byte
	pending int // responses scheduled but not yet queued
	partial []byte
	timeout time.Duration

	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
	broken bool
}

func newPort(d *Device, baud int) *port {
	return &port{
		dev:     d,
		baud:    baud,
		timeout: time.Second,
		ready:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (p *port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if p.broken {
			p.mu.Unlock()
			return 0, errUnplugged
		}
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, errors.New("sim: port closed")
		case <-p.ready:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("sim: port closed")
	default:
	}

	p.mu.Lock()
	if p.broken {
		p.mu.Unlock()
		return 0, errUnplugged
	}
	if len(p.out) > 0 || p.pending > 0 {
		p.dev.overlaps.Inc()
	}
	p.mu.Unlock()

	frame := append([]byte(nil), b...)
	chunks := p.dev.receive(p, frame)
	if len(chunks) == 0 {
		return len(b), nil
	}

	latency := p.dev.cfg.Latency
	held := false
	for _, c := range chunks {
		held = held || c.after > 0
	}
	if latency <= 0 && !held {
		for _, c := range chunks {
			p.push(c.data)
		}
		return len(b), nil
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	go func() {
		start := time.Now()
		for _, c := range chunks {
			if wait := time.Until(start.Add(latency + c.after)); wait > 0 {
				select {
				case <-time.After(wait):
				case <-p.closed:
				}
			}
			p.push(c.data)
		}
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}()
	return len(b), nil
}

func (p *port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = nil
	return nil
}

func (p *port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *port) push(b []byte) {
	p.mu.Lock()
	p.out = append(p.out, b...)
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *port) fail() {
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// lines appends b to the partial input and returns every completed line.
func (p *port) lines(b []byte) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partial = append(p.partial, b...)

	var out []string
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			return out
		}
		out = append(out, string(trimCR(p.partial[:i])))
		p.partial = p.partial[i+1:]
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

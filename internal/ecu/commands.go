package ecu

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/protocol"
)

// Send queues cmd behind any earlier commands and waits for its response.
func (m *Manager) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	c, err := m.current()
	if err != nil {
		return protocol.Response{}, err
	}
	return c.submit(c.user, newRequest(ctx, cmd))
}

func (m *Manager) page(index uint8) (layout.Page, error) {
	p, ok := m.layout.Page(index)
	if !ok {
		return p, fmt.Errorf("page %d not in layout: %w", index, protocol.ErrInvalidPage)
	}
	return p, nil
}

// ReadPage reads a whole tune page.
func (m *Manager) ReadPage(ctx context.Context, index uint8) ([]byte, error) {
	p, err := m.page(index)
	if err != nil {
		return nil, err
	}
	cmd := protocol.PageRead(index, p.Length)
	cmd.Offset = p.OffsetBase
	resp, err := m.Send(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", index, err)
	}
	return resp.Data, nil
}

// WritePage writes data at a page-local offset.
func (m *Manager) WritePage(ctx context.Context, index uint8, offset uint16, data []byte) error {
	p, err := m.page(index)
	if err != nil {
		return err
	}
	if int(offset)+len(data) > int(p.Length) {
		return fmt.Errorf("write of %d bytes at %d exceeds page %d (%d bytes): %w",
			len(data), offset, index, p.Length, protocol.ErrBufferOverflow)
	}
	if _, err := m.Send(ctx, protocol.PageWrite(index, p.OffsetBase+offset, data)); err != nil {
		return fmt.Errorf("write page %d: %w", index, err)
	}
	return nil
}

// ReadMemory reads length bytes at an absolute device address.
func (m *Manager) ReadMemory(ctx context.Context, offset, length uint16) ([]byte, error) {
	resp, err := m.Send(ctx, protocol.MemoryRead(offset, length))
	if err != nil {
		return nil, fmt.Errorf("read memory 0x%04X+%d: %w", offset, length, err)
	}
	return resp.Data, nil
}

// WriteMemory writes data at an absolute device address.
func (m *Manager) WriteMemory(ctx context.Context, offset uint16, data []byte) error {
	if _, err := m.Send(ctx, protocol.MemoryWrite(offset, data)); err != nil {
		return fmt.Errorf("write memory 0x%04X: %w", offset, err)
	}
	return nil
}

// Burn commits a page from RAM to flash.
func (m *Manager) Burn(ctx context.Context, index uint8) error {
	if _, err := m.page(index); err != nil {
		return err
	}
	if _, err := m.Send(ctx, protocol.Burn(index)); err != nil {
		return fmt.Errorf("burn page %d: %w", index, err)
	}
	return nil
}

// Console sends a raw console line to a line-oriented controller and returns
// the reply lines.
func (m *Manager) Console(ctx context.Context, text string) ([]string, error) {
	resp, err := m.Send(ctx, protocol.Console(text))
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// ReadRealtimeBlock fetches one realtime channel block as a user command.
func (m *Manager) ReadRealtimeBlock(ctx context.Context) ([]byte, error) {
	resp, err := m.Send(ctx, protocol.Realtime(m.layout.RealtimeSize))
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	return resp.Data, nil
}

// PollRealtime requests a realtime block every interval through the poll
// queue and hands each result to fn. A tick that finds the previous poll
// still outstanding is skipped. It returns when ctx ends or the connection
// goes away.
func (m *Manager) PollRealtime(ctx context.Context, interval time.Duration, fn func([]byte, error)) error {
	c, err := m.current()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrNotConnected
		case <-ticker.C:
		}

		if !c.pollBusy.CompareAndSwap(false, true) {
			m.metrics.SkippedPoll()
			continue
		}
		req := newRequest(ctx, protocol.Realtime(m.layout.RealtimeSize))
		select {
		case c.poll <- req:
		default:
			c.pollBusy.Store(false)
			m.metrics.SkippedPoll()
			continue
		}

		go func() {
			resp, err := c.wait(req)
			if err != nil {
				m.log.Debug("realtime poll failed", zap.Error(err))
			}
			fn(resp.Data, err)
			c.pollBusy.Store(false)
		}()
	}
}

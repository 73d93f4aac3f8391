package ecu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/protocol"
	"github.com/shaunagostinho/goefitune/internal/sim"
	"github.com/shaunagostinho/goefitune/internal/transport"
)

func testSettings() Settings {
	return Settings{
		Link:      transport.Settings{Port: "sim0", Timeout: 100 * time.Millisecond},
		DrainIdle: 10 * time.Millisecond,
		DrainMax:  50 * time.Millisecond,
		FastIdle:  30 * time.Millisecond,
	}
}

func newDevice(t *testing.T, cfg sim.Config) *sim.Device {
	t.Helper()
	dev, err := sim.New(cfg)
	require.NoError(t, err)
	return dev
}

func newManager(t *testing.T, dev *sim.Device, l *layout.Layout) *Manager {
	t.Helper()
	if l == nil {
		l = layout.Default()
	}
	m, err := NewManager(l, WithOpener(dev.Opener()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func connect(t *testing.T, m *Manager, s Settings) State {
	t.Helper()
	st, err := m.Connect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, PhaseConnected, st.Phase)
	return st
}

func lineLayout() *layout.Layout {
	l := layout.Default()
	l.Variant = "line"
	return l
}

func TestConnectAutoBaud(t *testing.T) {
	dev := newDevice(t, sim.Config{Baud: 38400, BootNoise: []byte("boot v1\r\n")})
	m := newManager(t, dev, nil)

	st := connect(t, m, testSettings())
	assert.Equal(t, 38400, st.Baud)
	assert.Equal(t, "speeduino 202402", st.Signature)
	assert.False(t, st.SignatureMismatch)
	assert.Equal(t, 4, dev.Opens(), "115200, 230400 and 57600 are tried first")
	assert.Equal(t, st.ConnectionID, m.Metrics().ConnectionID)

	snap := m.Metrics()
	assert.Equal(t, uint64(4), snap.PacketsSent, "one signature query per rate")
	assert.Equal(t, uint64(1), snap.PacketsReceived)
	assert.Equal(t, uint64(3), snap.Timeouts, "silent rates are counted")

	_, err := m.Connect(context.Background(), testSettings())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectExplicitBaud(t *testing.T) {
	dev := newDevice(t, sim.Config{Baud: 57600})
	m := newManager(t, dev, nil)

	s := testSettings()
	s.Link.BaudRate = 115200
	st, err := m.Connect(context.Background(), s)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Attempts, 1)
	assert.ErrorIs(t, err, transport.ErrIoTimeout)
	assert.Len(t, multierr.Errors(cerr.Err()), 1)
	assert.Equal(t, PhaseError, st.Phase)
	assert.NotEmpty(t, st.Message)
	assert.Equal(t, 1, dev.Opens())

	s.Link.BaudRate = 57600
	st = connect(t, m, s)
	assert.Equal(t, 57600, st.Baud)
}

func TestConnectPortNotFound(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	dev.SetPresent(false)
	m := newManager(t, dev, nil)

	_, err := m.Connect(context.Background(), testSettings())
	assert.ErrorIs(t, err, transport.ErrPortNotFound)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Attempts, 1, "a missing port is not retried at other rates")
	assert.Equal(t, PhaseError, m.State().Phase)
}

func TestSignatureMismatch(t *testing.T) {
	dev := newDevice(t, sim.Config{Signature: "speeduino 201900"})

	m := newManager(t, dev, nil)
	st := connect(t, m, testSettings())
	assert.True(t, st.SignatureMismatch)
	assert.Equal(t, "speeduino 201900", st.Signature)

	strict := newManager(t, dev, nil)
	s := testSettings()
	s.RejectMismatch = true
	st, err := strict.Connect(context.Background(), s)
	assert.ErrorIs(t, err, protocol.ErrSignatureMismatch)
	assert.Equal(t, PhaseError, st.Phase)
}

func TestStateSubscription(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	m := newManager(t, dev, nil)

	ch, cancel := m.Subscribe()
	defer cancel()
	assert.Equal(t, PhaseDisconnected, (<-ch).Phase)

	connect(t, m, testSettings())
	assert.Equal(t, PhaseConnecting, (<-ch).Phase)
	assert.Equal(t, PhaseConnected, (<-ch).Phase)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, PhaseDisconnected, (<-ch).Phase)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentCommandsDoNotInterleave(t *testing.T) {
	dev := newDevice(t, sim.Config{Latency: time.Millisecond})
	m := newManager(t, dev, nil)
	connect(t, m, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	pollDone := make(chan error, 1)
	go func() {
		pollDone <- m.PollRealtime(ctx, 3*time.Millisecond, func(b []byte, err error) {
			if err == nil {
				assert.Len(t, b, 130)
			}
		})
	}()

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(page uint8) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				data, err := m.ReadPage(context.Background(), page)
				if assert.NoError(t, err) {
					assert.Equal(t, dev.Page(page), data)
				}
			}
		}(uint8(g + 1))
	}
	wg.Wait()
	cancel()
	assert.ErrorIs(t, <-pollDone, context.Canceled)

	assert.Zero(t, dev.Overlaps(), "a command was written before the previous response was read")
	assert.GreaterOrEqual(t, m.Metrics().PacketsReceived, uint64(60))
}

func TestDisconnectDuringRead(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	dev.StallPage(2, true)
	m := newManager(t, dev, nil)

	s := testSettings()
	s.Link.Timeout = 2 * time.Second
	connect(t, m, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ReadPage(context.Background(), 2)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrDisconnected)
		assert.Less(t, time.Since(start), s.Link.Timeout)
	case <-time.After(2 * s.Link.Timeout):
		t.Fatal("in-flight read did not return after Disconnect")
	}
	assert.Equal(t, PhaseDisconnected, m.State().Phase)

	_, err := m.ReadPage(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, transport.ErrDisconnected)
}

func TestConsecutiveTimeoutsLoseLink(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	dev.StallPage(2, true)
	m := newManager(t, dev, nil)

	s := testSettings()
	s.MaxTimeouts = 2
	connect(t, m, s)

	_, err := m.ReadPage(context.Background(), 2)
	assert.ErrorIs(t, err, transport.ErrIoTimeout)
	assert.Equal(t, PhaseConnected, m.State().Phase, "one timeout is the caller's problem")

	_, err = m.ReadPage(context.Background(), 1)
	require.NoError(t, err)

	_, err = m.ReadPage(context.Background(), 2)
	assert.ErrorIs(t, err, transport.ErrIoTimeout)
	_, err = m.ReadPage(context.Background(), 2)
	assert.ErrorIs(t, err, transport.ErrIoTimeout)

	require.Eventually(t, func() bool { return m.State().Phase == PhaseError }, time.Second, 5*time.Millisecond)
	assert.Contains(t, m.State().Message, "timeouts")
	assert.Equal(t, uint64(3), m.Metrics().Timeouts)
}

func TestUnplugMovesToError(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	m := newManager(t, dev, nil)
	connect(t, m, testSettings())

	dev.Unplug()
	_, err := m.ReadRealtimeBlock(context.Background())
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	require.Eventually(t, func() bool { return m.State().Phase == PhaseError }, time.Second, 5*time.Millisecond)

	// Error -> Connecting is allowed; the device is back.
	connect(t, m, testSettings())
}

func TestLateResponseIsDropped(t *testing.T) {
	tests := []struct {
		name   string
		onTime int
	}{
		{"whole answer late", 0},
		{"answer cut short", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, sim.Config{})
			dev.DelayPage(2, 150*time.Millisecond, tt.onTime)
			m := newManager(t, dev, nil)
			connect(t, m, testSettings())
			ctx := context.Background()

			_, err := m.ReadPage(ctx, 2)
			assert.ErrorIs(t, err, transport.ErrIoTimeout)

			// Page 3 has the same length as page 2.
			data, err := m.ReadPage(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, dev.Page(3), data)
			assert.Zero(t, dev.Overlaps())
			assert.Equal(t, PhaseConnected, m.State().Phase)

			dev.DelayPage(2, 0, 0)
			data, err = m.ReadPage(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, dev.Page(2), data)
		})
	}
}

func TestCancelDuringSettleDelay(t *testing.T) {
	dev := newDevice(t, sim.Config{Latency: 20 * time.Millisecond})
	m := newManager(t, dev, nil)
	s := testSettings()
	s.SettleDelay = 50 * time.Millisecond
	connect(t, m, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.ReadPage(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The page 2 answer arrives after the caller gave up.
	data, err := m.ReadPage(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, dev.Page(5), data)
	assert.Zero(t, dev.Overlaps())
}

func TestWriteRetriesChecksumMismatch(t *testing.T) {
	dev := newDevice(t, sim.Config{})
	m := newManager(t, dev, nil)
	connect(t, m, testSettings())
	ctx := context.Background()

	dev.FailWrites(2)
	require.NoError(t, m.WritePage(ctx, 1, 10, []byte{0xDE, 0xAD}))
	assert.Equal(t, []byte{0xDE, 0xAD}, dev.Page(1)[10:12])
	assert.Equal(t, uint64(2), m.Metrics().Retries)

	dev.FailWrites(3)
	err := m.WritePage(ctx, 1, 10, []byte{0xBE, 0xEF})
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	assert.Equal(t, uint64(4), m.Metrics().Retries)
	assert.Equal(t, []byte{0xDE, 0xAD}, dev.Page(1)[10:12])

	err = m.WritePage(ctx, 1, 127, []byte{1, 2})
	assert.ErrorIs(t, err, protocol.ErrBufferOverflow)
	err = m.WritePage(ctx, 42, 0, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrInvalidPage)
}

func TestChecksumFamily(t *testing.T) {
	l := layout.Default()
	l.Family = "crc32"
	l.EchoCRC = true
	dev := newDevice(t, sim.Config{Layout: l})
	m := newManager(t, dev, l)
	connect(t, m, testSettings())
	ctx := context.Background()

	dev.FailWrites(1)
	require.NoError(t, m.WritePage(ctx, 3, 0, []byte{1, 2, 3}))
	assert.Equal(t, uint64(1), m.Metrics().Retries)

	data, err := m.ReadPage(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data[:3])

	block, err := m.ReadRealtimeBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, block, 130)

	require.NoError(t, m.WriteMemory(ctx, 0x0100, []byte{7, 7}))
	mem, err := m.ReadMemory(ctx, 0x0100, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, mem)

	require.NoError(t, m.Burn(ctx, 3))
	assert.Equal(t, dev.Page(3), dev.Burned(3))
}

func TestFastCommsFallback(t *testing.T) {
	tests := []struct {
		name        string
		noBlockMode bool
		policy      FallbackPolicy
		fellBack    bool
		fallbacks   uint64
	}{
		{"block mode supported", false, FallbackVisible, false, 0},
		{"visible fallback", true, FallbackVisible, true, 1},
		{"silent fallback", true, FallbackSilent, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := lineLayout()
			dev := newDevice(t, sim.Config{Layout: l, NoBlockMode: tt.noBlockMode})
			m := newManager(t, dev, l)

			s := testSettings()
			s.FastComms = true
			s.FastFallback = tt.policy
			connect(t, m, s)

			p, _ := l.Page(2)
			resp, err := m.Send(context.Background(), protocol.PageRead(2, p.Length))
			require.NoError(t, err)
			assert.Equal(t, dev.Page(2), resp.Data)
			assert.Equal(t, tt.fellBack, resp.FellBack)
			assert.Equal(t, tt.fallbacks, m.Metrics().Fallbacks)

			hist := dev.History()
			last := hist[len(hist)-1]
			assert.Equal(t, !tt.noBlockMode, last.Fast)
		})
	}
}

func TestLineConsoleAndWrites(t *testing.T) {
	l := lineLayout()
	l.Pages[0].OffsetBase = 0x100
	dev := newDevice(t, sim.Config{Layout: l})
	m := newManager(t, dev, l)
	st := connect(t, m, testSettings())
	assert.Equal(t, protocol.LineOriented, st.Variant)
	ctx := context.Background()

	lines, err := m.Console(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, []string{"speeduino 202402"}, lines)

	require.NoError(t, m.WritePage(ctx, 1, 4, []byte{0xAB}))
	data, err := m.ReadPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), data[4])
	assert.Equal(t, dev.Page(1), data)

	_, err = m.Send(ctx, protocol.PageRead(9, 16))
	assert.ErrorIs(t, err, protocol.ErrInvalidPage)
	assert.Equal(t, PhaseConnected, m.State().Phase)

	// Page and memory access must go through the typed commands.
	before, burned := dev.Page(1), dev.Burned(1)
	for _, line := range []string{"write 1 0 FF", "poke 0 FF", "burn 1"} {
		_, err = m.Console(ctx, line)
		assert.ErrorIs(t, err, protocol.ErrInvalidCommand, line)
	}
	assert.Equal(t, before, dev.Page(1))
	assert.Equal(t, burned, dev.Burned(1))
}

func TestPollSkipsWhileOutstanding(t *testing.T) {
	dev := newDevice(t, sim.Config{Latency: 40 * time.Millisecond})
	m := newManager(t, dev, nil)
	connect(t, m, testSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	got := 0
	err := m.PollRealtime(ctx, 5*time.Millisecond, func(b []byte, err error) {
		if err == nil {
			mu.Lock()
			got++
			mu.Unlock()
		}
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, got)
	assert.Positive(t, m.Metrics().SkippedPolls)
}

package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goefitune/internal/ecu"
	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/metrics"
	"github.com/shaunagostinho/goefitune/internal/sim"
	"github.com/shaunagostinho/goefitune/internal/transport"
	"github.com/shaunagostinho/goefitune/internal/tune"
)

type fixture struct {
	dev   *sim.Device
	mgr   *ecu.Manager
	srv   *Server
	http  *httptest.Server
	store *tune.Store
}

func newFixture(t *testing.T, pollMs int) *fixture {
	t.Helper()
	l := layout.Default()
	dev, err := sim.New(sim.Config{Layout: l, Seed: 7})
	require.NoError(t, err)

	mgr, err := ecu.NewManager(l, ecu.WithOpener(dev.Opener()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Disconnect() })

	store, err := tune.OpenStore(filepath.Join(t.TempDir(), "tune"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.ECU.Port = "sim0"
	cfg.ECU.TimeoutMs = 100
	cfg.ECU.PollMs = pollMs

	srv := New(cfg, mgr, tune.NewOrchestrator(mgr, tune.NewCache(l)),
		WithStore(store),
		WithPortLister(func() ([]transport.PortInfo, error) {
			return []transport.PortInfo{{Name: "sim0"}}, nil
		}),
	)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &fixture{dev: dev, mgr: mgr, srv: srv, http: hs, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPITuneRoundTrip(t *testing.T) {
	f := newFixture(t, 0)

	var ports []transport.PortInfo
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/api/ports", nil, &ports))
	assert.Equal(t, "sim0", ports[0].Name)

	var conn connectResponse
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/connect", nil, &conn))
	assert.Equal(t, ecu.PhaseConnected, conn.State.Phase)
	require.NotNil(t, conn.Sync)
	assert.True(t, conn.Sync.Full)
	assert.Len(t, conn.Sync.Pages, 6)

	var st queueStatus
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/cell",
		cellRequest{Page: 1, Offset: 2, Data: "abcd"}, &st))
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, []uint8{1}, st.Dirty)

	var page pageResponse
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/page/1", nil, &page))
	assert.True(t, page.Dirty)
	data, err := hex.DecodeString(page.Data)
	require.NoError(t, err)
	require.Len(t, data, 128)
	assert.Equal(t, []byte{0xAB, 0xCD}, data[2:4])
	assert.Equal(t, f.dev.Page(1)[:2], data[:2])

	var flush flushResult
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/flush", nil, &flush))
	assert.True(t, flush.OK)
	assert.Empty(t, flush.Dirty)
	assert.Equal(t, []byte{0xAB, 0xCD}, f.dev.Page(1)[2:4])

	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/burn", burnRequest{Pages: []uint8{1}}, nil))
	assert.Equal(t, f.dev.Page(1), f.dev.Burned(1))

	var snap metrics.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/metrics", nil, &snap))
	assert.Equal(t, conn.State.ConnectionID, snap.ConnectionID)
	assert.NotZero(t, snap.PacketsReceived)

	var after ecu.State
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/disconnect", nil, &after))
	assert.Equal(t, ecu.PhaseDisconnected, after.Phase)

	// The tune survives in the store.
	restored := tune.NewCache(layout.Default())
	ok, err := f.store.LoadCache("speeduino 202402", restored)
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := restored.Read(1, 2, 2)
	assert.Equal(t, []byte{0xAB, 0xCD}, got)
}

func TestAPIFlushMismatch(t *testing.T) {
	f := newFixture(t, 0)
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/connect", connectRequest{NoSync: true}, nil))

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/console", consoleRequest{Text: "write 2 0 01"}, nil))

	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/cell", cellRequest{Page: 2, Offset: 0, Data: "01"}, nil))
	f.dev.CorruptReads(2, 1)

	var flush flushResult
	assert.Equal(t, http.StatusConflict, f.do(t, "POST", "/api/flush", nil, &flush))
	assert.False(t, flush.OK)
	require.Len(t, flush.Errors, 1)
	assert.Contains(t, flush.Errors[0], "read-back differs")
	assert.Equal(t, 1, flush.Quarantined)

	var rq map[string]int
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/page/2/requeue", nil, &rq))
	assert.Equal(t, 1, rq["requeued"])
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/api/flush", nil, &flush))
	assert.True(t, flush.OK)
}

func TestAPIErrors(t *testing.T) {
	f := newFixture(t, 0)

	assert.Equal(t, http.StatusConflict, f.do(t, "POST", "/api/sync", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/cell", cellRequest{Page: 1, Data: "zz"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/cell", cellRequest{Page: 9, Data: "00"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/cell", cellRequest{Page: 1, Offset: 128, Data: "00"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/page/x", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/page/42", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, "GET", "/api/flush", nil, nil))

	f.dev.SetPresent(false)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/connect", nil, nil))
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.stream(ctx)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var first Frame
	require.NoError(t, ws.ReadJSON(&first))
	require.NotNil(t, first.State)
	assert.Equal(t, ecu.PhaseDisconnected, first.State.Phase)

	_, err = f.mgr.Connect(ctx, f.srv.cfg.ECUSettings())
	require.NoError(t, err)

	var connected, realtime bool
	deadline := time.Now().Add(3 * time.Second)
	for !(connected && realtime) && time.Now().Before(deadline) {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var fr Frame
		require.NoError(t, ws.ReadJSON(&fr))
		if fr.State != nil && fr.State.Phase == ecu.PhaseConnected {
			connected = true
		}
		if len(fr.Realtime) == 130 {
			realtime = true
		}
	}
	assert.True(t, connected, "connected state streamed")
	assert.True(t, realtime, "realtime blocks streamed")
}

func TestStaticFiles(t *testing.T) {
	srv := New(DefaultConfig(), nil, nil, WithWebFS(fstest.MapFS{
		"index.html": {Data: []byte("<title>goefitune</title>")},
	}))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goefitune")
}

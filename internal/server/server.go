package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goefitune/internal/ecu"
	"github.com/shaunagostinho/goefitune/internal/logger"
	"github.com/shaunagostinho/goefitune/internal/metrics"
	"github.com/shaunagostinho/goefitune/internal/protocol"
	"github.com/shaunagostinho/goefitune/internal/transport"
	"github.com/shaunagostinho/goefitune/internal/tune"
)

const (
	metricsPeriod = time.Second
	clientBuffer  = 64
	maxBodySize   = 64 << 10
)

// Server exposes the connection manager and tune cache over HTTP and streams
// state changes, realtime blocks and metrics to WebSocket clients.
type Server struct {
	cfg     *Config
	mgr     *ecu.Manager
	orch    *tune.Orchestrator
	store   *tune.Store
	datalog *logger.Datalog
	log     *zap.Logger
	ports   func() ([]transport.PortInfo, error)
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients. Realtime is the
// raw block, base64 in JSON.
type Frame struct {
	State    *ecu.State        `json:"state,omitempty"`
	Realtime []byte            `json:"realtime,omitempty"`
	Metrics  *metrics.Snapshot `json:"metrics,omitempty"`
	Dirty    []uint8           `json:"dirty,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithStore persists the tune cache after every change.
func WithStore(st *tune.Store) Option { return func(s *Server) { s.store = st } }

// WithDatalog records every polled realtime block.
func WithDatalog(d *logger.Datalog) Option { return func(s *Server) { s.datalog = d } }

// WithWebFS serves static files at /.
func WithWebFS(f fs.FS) Option { return func(s *Server) { s.webFS = f } }

// WithPortLister replaces serial port enumeration.
func WithPortLister(f func() ([]transport.PortInfo, error)) Option {
	return func(s *Server) { s.ports = f }
}

// New creates a new Server.
func New(cfg *Config, mgr *ecu.Manager, orch *tune.Orchestrator, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		orch:    orch,
		log:     zap.NewNop(),
		ports:   transport.ListPorts,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleUpdateConfig)
	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/flush", s.handleFlush)
	mux.HandleFunc("POST /api/cell", s.handleCell)
	mux.HandleFunc("GET /api/page/{n}", s.handlePage)
	mux.HandleFunc("POST /api/page/{n}/requeue", s.handleRequeue)
	mux.HandleFunc("POST /api/burn", s.handleBurn)
	mux.HandleFunc("POST /api/console", s.handleConsole)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	return mux
}

// Run serves HTTP and streams to clients until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go s.stream(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
		s.closeClients()
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// stream forwards state changes and metrics to clients and runs the realtime
// poller while the ECU is connected.
func (s *Server) stream(ctx context.Context) {
	states, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(metricsPeriod)
	defer ticker.Stop()

	var stopPoll context.CancelFunc
	defer func() {
		if stopPoll != nil {
			stopPoll()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if s.datalog != nil {
				s.datalog.Close()
			}
			return

		case st, ok := <-states:
			if !ok {
				return
			}
			s.broadcast(Frame{State: &st, Dirty: s.orch.Cache().Dirty()})

			if st.Connected() && stopPoll == nil {
				if interval := s.cfg.PollInterval(); interval > 0 {
					pctx, cancel := context.WithCancel(ctx)
					stopPoll = cancel
					go s.poll(pctx, interval, st.ConnectionID)
				}
			} else if !st.Connected() && stopPoll != nil {
				stopPoll()
				stopPoll = nil
			}

		case <-ticker.C:
			if s.mgr.State().Connected() {
				snap := s.mgr.Metrics()
				s.broadcast(Frame{Metrics: &snap})
			}
		}
	}
}

func (s *Server) poll(ctx context.Context, interval time.Duration, connectionID string) {
	err := s.mgr.PollRealtime(ctx, interval, func(block []byte, err error) {
		if err != nil {
			return
		}
		now := time.Now()
		if s.datalog != nil {
			s.datalog.Record(now, connectionID, block)
		}
		s.broadcast(Frame{Realtime: block, Stamp: now.UnixMilli()})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("realtime polling stopped", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	// Current state goes out first.
	st := s.mgr.State()
	if data, err := json.Marshal(Frame{State: &st, Dirty: s.orch.Cache().Dirty(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client connected", zap.Int("clients", n))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client disconnected", zap.Int("clients", n))
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(frame Frame) {
	if frame.Stamp == 0 {
		frame.Stamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// persist saves the tune cache when a store is configured.
func (s *Server) persist() {
	if s.store == nil {
		return
	}
	sig := s.mgr.State().Signature
	if sig == "" {
		sig = s.mgr.Layout().Signature
	}
	if err := s.store.SaveCache(sig, s.orch.Cache()); err != nil {
		s.log.Error("save tune", zap.Error(err))
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.ports()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.State())
}

type connectRequest struct {
	Port     string `json:"port"`
	BaudRate *int   `json:"baudRate"`
	NoSync   bool   `json:"noSync"`
}

type connectResponse struct {
	State ecu.State   `json:"state"`
	Sync  *syncResult `json:"sync,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		return
	}

	settings := s.cfg.ECUSettings()
	if req.Port != "" {
		settings.Link.Port = req.Port
	}
	if req.BaudRate != nil {
		settings.Link.BaudRate = *req.BaudRate
	}

	st, err := s.mgr.Connect(r.Context(), settings)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := connectResponse{State: st}
	if !req.NoSync {
		res := newSyncResult(s.orch.Sync(r.Context()))
		s.persist()
		resp.Sync = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.persist()
	if err := s.mgr.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.State())
}

type pageResult struct {
	Page  uint8  `json:"page"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type syncResult struct {
	Full        bool         `json:"full"`
	Pages       []pageResult `json:"pages"`
	FailedPages []uint8      `json:"failedPages,omitempty"`
	ElapsedMs   int64        `json:"elapsedMs"`
}

func newSyncResult(r *tune.SyncReport) syncResult {
	out := syncResult{
		Full:        r.Full(),
		FailedPages: r.FailedPages(),
		ElapsedMs:   r.Elapsed.Milliseconds(),
	}
	for _, o := range r.Outcomes {
		pr := pageResult{Page: o.Page, OK: o.Err == nil}
		if o.Err != nil {
			pr.Error = o.Err.Error()
		}
		out.Pages = append(out.Pages, pr)
	}
	return out
}

type syncRequest struct {
	Pages []uint8 `json:"pages"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		return
	}
	if !s.mgr.State().Connected() {
		writeError(w, ecu.ErrNotConnected)
		return
	}

	var report *tune.SyncReport
	if len(req.Pages) > 0 {
		report = s.orch.SyncPages(r.Context(), req.Pages...)
	} else {
		report = s.orch.Sync(r.Context())
	}
	s.persist()
	writeJSON(w, http.StatusOK, newSyncResult(report))
}

type queueStatus struct {
	Pending     int     `json:"pending"`
	Quarantined int     `json:"quarantined"`
	Dirty       []uint8 `json:"dirty"`
}

type flushResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
	queueStatus
}

func (s *Server) status() queueStatus {
	c := s.orch.Cache()
	return queueStatus{
		Pending:     len(c.Pending()),
		Quarantined: len(c.Quarantined()),
		Dirty:       c.Dirty(),
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Flush(r.Context())
	s.persist()

	res := flushResult{OK: err == nil}
	for _, e := range multierr.Errors(err) {
		res.Errors = append(res.Errors, e.Error())
	}
	res.queueStatus = s.status()

	code := http.StatusOK
	if err != nil {
		code = http.StatusConflict
	}
	s.broadcast(Frame{Dirty: res.Dirty})
	writeJSON(w, code, res)
}

type cellRequest struct {
	Page   uint8  `json:"page"`
	Offset uint16 `json:"offset"`
	Data   string `json:"data"` // hex
}

func (s *Server) handleCell(w http.ResponseWriter, r *http.Request) {
	var req cellRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orch.Cache().WriteCell(req.Page, req.Offset, data); err != nil {
		writeError(w, err)
		return
	}
	s.persist()
	writeJSON(w, http.StatusOK, s.status())
}

type pageResponse struct {
	Page  uint8  `json:"page"`
	Data  string `json:"data"` // hex
	Dirty bool   `json:"dirty"`
}

func pageParam(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("n"), 10, 8)
	if err != nil {
		http.Error(w, "bad page number", http.StatusBadRequest)
		return 0, false
	}
	return uint8(n), true
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	data, err := s.orch.Cache().Snapshot(page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		Page:  page,
		Data:  hex.EncodeToString(data),
		Dirty: s.orch.Cache().IsDirty(page),
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	n := s.orch.Cache().Requeue(page)
	s.persist()
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type burnRequest struct {
	Pages []uint8 `json:"pages"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		return
	}
	if err := s.orch.Burn(r.Context(), req.Pages...); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type consoleRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	var req consoleRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		return
	}
	lines, err := s.mgr.Console(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Metrics())
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is set. On failure the response has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ecu.ErrNotConnected), errors.Is(err, transport.ErrDisconnected),
		errors.Is(err, ecu.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, tune.ErrUnknownPage), errors.Is(err, tune.ErrOutOfRange),
		errors.Is(err, protocol.ErrInvalidPage), errors.Is(err, protocol.ErrBufferOverflow),
		errors.Is(err, protocol.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrPortNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrIoTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

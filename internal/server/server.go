package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/bus"
	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/session"
	"github.com/shaunagostinho/canlink/internal/status"
)

// StateSource reports the session state.
type StateSource interface {
	State() (session.State, time.Time)
}

// VINSource reports a reassembled VIN.
type VINSource interface {
	VIN() (string, bool)
}

// BusSource reports bus health counters and the last polled controller
// status.
type BusSource interface {
	Counters() bus.Counters
	LastStatus() (can.Status, time.Time)
}

// Sources are the read-only views the server publishes. Board is required,
// the rest may be nil.
type Sources struct {
	Board   *status.Board
	State   StateSource
	Vehicle VINSource
	Column  VINSource
	Bus     BusSource
}

// Server exposes the status board over HTTP, WebSocket and server-sent
// events. It has no inbound control surface.
type Server struct {
	cfg   *Config
	src   Sources
	webFS fs.FS
	log   zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	mu     sync.Mutex
	srv    *http.Server
	closed bool

	lastVersion uint64
	lastState   session.State
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Controller is the controller status as last seen by the bus poller.
type Controller struct {
	State     string `json:"state"`
	RxPending int    `json:"rxPending"`
	TxPending int    `json:"txPending"`
	RxErrors  uint32 `json:"rxErrors"`
	TxErrors  uint32 `json:"txErrors"`
	BusErrors uint32 `json:"busErrors"`
	PolledAt  int64  `json:"polledAt"`
}

// Snapshot is the JSON document sent to WebSocket clients and /api/status.
type Snapshot struct {
	Latest     string         `json:"latest"`
	State      string         `json:"state,omitempty"`
	Since      int64          `json:"since,omitempty"`
	VehicleVIN string         `json:"vehicleVin,omitempty"`
	ColumnVIN  string         `json:"columnVin,omitempty"`
	Bus        *bus.Counters  `json:"bus,omitempty"`
	Controller *Controller    `json:"controller,omitempty"`
	Recent     []status.Entry `json:"recent,omitempty"`
	Stamp      int64          `json:"stamp"`
}

// New creates a Server.
func New(cfg *Config, src Sources, webFS fs.FS) *Server {
	if src.Board == nil {
		src.Board = status.NewBoard(0)
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		webFS:   webFS,
		log:     log.With().Str("component", "server").Logger(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the listener and disconnects clients. Safe to call more
// than once and before Run.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.srv == nil {
		return nil
	}
	s.log.Info().Msg("closing")
	return s.srv.Close()
}

// Snapshot assembles the current view of the daemon.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Latest: s.src.Board.Latest(),
		Stamp:  time.Now().UnixMilli(),
	}
	if s.src.State != nil {
		st, since := s.src.State.State()
		snap.State = st.String()
		snap.Since = since.UnixMilli()
	}
	if s.src.Vehicle != nil {
		snap.VehicleVIN, _ = s.src.Vehicle.VIN()
	}
	if s.src.Column != nil {
		snap.ColumnVIN, _ = s.src.Column.VIN()
	}
	if s.src.Bus != nil {
		c := s.src.Bus.Counters()
		snap.Bus = &c
		// Nothing to show before the first poll.
		if st, at := s.src.Bus.LastStatus(); !at.IsZero() {
			snap.Controller = &Controller{
				State:     st.State.String(),
				RxPending: st.RxPending,
				TxPending: st.TxPending,
				RxErrors:  st.RxErrorCount,
				TxErrors:  st.TxErrorCount,
				BusErrors: st.BusErrorCount,
				PolledAt:  at.UnixMilli(),
			}
		}
	}
	return snap
}

func (s *Server) interval() time.Duration {
	if s.cfg.Server.BroadcastMs <= 0 {
		return time.Second
	}
	return time.Duration(s.cfg.Server.BroadcastMs) * time.Millisecond
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick broadcasts a snapshot when the board or the session state changed
// since the previous tick.
func (s *Server) tick() bool {
	version := s.src.Board.Version()
	var state session.State
	if s.src.State != nil {
		state, _ = s.src.State.State()
	}
	if version == s.lastVersion && state == s.lastState {
		return false
	}
	s.lastVersion, s.lastState = version, state
	s.broadcast(s.Snapshot())
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Debug().Int("clients", n).Msg("websocket client connected")

	if data, err := json.Marshal(s.Snapshot()); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Inbound messages are read only to notice the disconnect.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Debug().Int("clients", n).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleEvents streams the latest status line as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var sent uint64
	first := true
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		if v := s.src.Board.Version(); first || v != sent {
			sent, first = v, false
			writeEvent(w, "status", s.src.Board.Latest())
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// writeEvent frames msg as one server-sent event. Every line of msg gets its
// own data field so embedded line breaks cannot end the event early.
func writeEvent(w io.Writer, event, msg string) {
	msg = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(msg)
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.Snapshot()
	snap.Recent = s.src.Board.Recent()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.src.Board.RecentText())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
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

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/canlink/internal/bus"
	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/session"
	"github.com/shaunagostinho/canlink/internal/status"
)

type stateStub struct {
	mu    sync.Mutex
	state session.State
	since time.Time
}

func (s *stateStub) State() (session.State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.since
}

func (s *stateStub) set(st session.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type vinStub string

func (v vinStub) VIN() (string, bool) { return string(v), v != "" }

type busStub struct {
	counters bus.Counters
	status   can.Status
	polledAt time.Time
}

func (b busStub) Counters() bus.Counters              { return b.counters }
func (b busStub) LastStatus() (can.Status, time.Time) { return b.status, b.polledAt }

func newTestServer(t *testing.T) (*Server, *status.Board, *stateStub) {
	t.Helper()
	board := status.NewBoard(10)
	state := &stateStub{state: session.AwaitingVins, since: time.Unix(1700000000, 0)}
	cfg := DefaultConfig()
	cfg.Server.BroadcastMs = 20
	web := fstest.MapFS{"index.html": {Data: []byte("<html>canlink</html>")}}
	s := New(cfg, Sources{
		Board:   board,
		State:   state,
		Vehicle: vinStub("VF1AAAAA11A111111"),
		Column:  vinStub(""),
		Bus: busStub{
			counters: bus.Counters{Recoveries: 2},
			status:   can.Status{State: can.StateRunning, RxPending: 3, TxErrorCount: 7},
			polledAt: time.UnixMilli(1700000000123),
		},
	}, web)
	return s, board, state
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestStatusEndpoint(t *testing.T) {
	s, board, _ := newTestServer(t)
	board.Publish("Vehicle VIN: VF1AAAAA11A111111")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Latest != "Vehicle VIN: VF1AAAAA11A111111" {
		t.Fatalf("latest = %q", snap.Latest)
	}
	if snap.State != "AwaitingVins" {
		t.Fatalf("state = %q", snap.State)
	}
	if snap.VehicleVIN != "VF1AAAAA11A111111" || snap.ColumnVIN != "" {
		t.Fatalf("vins = %q / %q", snap.VehicleVIN, snap.ColumnVIN)
	}
	if snap.Bus == nil || snap.Bus.Recoveries != 2 {
		t.Fatalf("bus = %+v", snap.Bus)
	}
	c := snap.Controller
	if c == nil || c.State != "RUNNING" || c.RxPending != 3 || c.TxErrors != 7 || c.PolledAt != 1700000000123 {
		t.Fatalf("controller = %+v", c)
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("recent = %+v", snap.Recent)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	s, board, _ := newTestServer(t)
	board.Publish("first")
	board.Publish("second")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, body := get(t, ts.URL+"/api/messages")
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], " first") || !strings.HasSuffix(lines[1], " second") {
		t.Fatalf("messages = %q", body)
	}
}

func TestReadOnlyEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/status", "/api/messages", "/api/config"} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("POST %s = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, body := get(t, ts.URL+"/api/config")
	var got map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["can"]; !ok {
		t.Fatalf("config missing can section: %s", body)
	}
}

func TestIndexServed(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, body := get(t, ts.URL+"/")
	if !strings.Contains(body, "canlink") {
		t.Fatalf("index = %q", body)
	}
}

func readSnapshot(t *testing.T, conn *websocket.Conn) Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	return snap
}

func TestWebSocketBroadcastsChanges(t *testing.T) {
	s, board, state := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if snap := readSnapshot(t, conn); snap.State != "AwaitingVins" {
		t.Fatalf("initial state = %q", snap.State)
	}

	board.Publish("Column VIN: VF1AAAAA11A222222")
	if !s.tick() {
		t.Fatal("tick did not broadcast a board change")
	}
	if snap := readSnapshot(t, conn); snap.Latest != "Column VIN: VF1AAAAA11A222222" {
		t.Fatalf("latest = %q", snap.Latest)
	}

	if s.tick() {
		t.Fatal("tick broadcast without a change")
	}

	state.set(session.Maintaining)
	if !s.tick() {
		t.Fatal("tick did not broadcast a state change")
	}
	if snap := readSnapshot(t, conn); snap.State != "Maintaining" {
		t.Fatalf("state = %q", snap.State)
	}
}

func TestEventsStream(t *testing.T) {
	s, board, _ := newTestServer(t)
	board.Publish("hello")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	want := []string{"data: hello", "data: world"}
	published := false
	for len(want) > 0 && sc.Scan() {
		line := sc.Text()
		if line != want[0] {
			continue
		}
		want = want[1:]
		if !published {
			board.Publish("world")
			published = true
		}
	}
	if len(want) > 0 {
		t.Fatalf("missing events %q", want)
	}
}

func TestRunAndClose(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.Server.ListenAddr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		started := s.srv != nil
		s.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseBeforeRun(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.Close()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run after Close = %v", err)
	}
}

func TestSnapshotOmitsControllerBeforeFirstPoll(t *testing.T) {
	s := New(DefaultConfig(), Sources{Bus: busStub{}}, nil)
	if snap := s.Snapshot(); snap.Controller != nil || snap.Bus == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestWriteEventSplitsLines(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"hello", "event: status\ndata: hello\n\n"},
		{"Vehicle VIN: VF1AAAAA\nA1111111", "event: status\ndata: Vehicle VIN: VF1AAAAA\ndata: A1111111\n\n"},
		{"a\r\nb\rc", "event: status\ndata: a\ndata: b\ndata: c\n\n"},
		{"", "event: status\ndata: \n\n"},
	}
	for _, tt := range tests {
		var b strings.Builder
		writeEvent(&b, "status", tt.msg)
		if b.String() != tt.want {
			t.Errorf("writeEvent(%q) = %q, want %q", tt.msg, b.String(), tt.want)
		}
	}
}

func TestEventsStreamMultiLineMessage(t *testing.T) {
	s, board, _ := newTestServer(t)
	board.Publish("Vehicle VIN: VF1AAAAA\nA1111111")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var got []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		got = append(got, line)
	}
	want := []string{"event: status", "data: Vehicle VIN: VF1AAAAA", "data: A1111111"}
	if len(got) != len(want) {
		t.Fatalf("event = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event = %q, want %q", got, want)
		}
	}
}

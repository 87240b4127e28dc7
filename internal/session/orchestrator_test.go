package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/journal"
	"github.com/shaunagostinho/canlink/internal/script"
	"github.com/shaunagostinho/canlink/internal/status"
	"github.com/shaunagostinho/canlink/internal/system"
)

type fixedVIN string

func (v fixedVIN) VIN() (string, bool) { return string(v), v != "" }

type frameLog struct {
	mu     sync.Mutex
	frames []can.Frame
	onSend func(can.Frame)
}

func (l *frameLog) Send(ctx context.Context, f can.Frame) error {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	hook := l.onSend
	l.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (l *frameLog) count(id uint32, prefix ...byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.frames {
		if f.ID != id {
			continue
		}
		match := true
		for i, b := range prefix {
			if f.Data[i] != b {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

type fakeBus struct {
	mu        sync.Mutex
	shutdowns int
}

func (b *fakeBus) Shutdown() error {
	b.mu.Lock()
	b.shutdowns++
	b.mu.Unlock()
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Append(e journal.Entry) error {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.entries {
		out = append(out, e.Event)
	}
	return out
}

type closer struct{ closed int }

func (c *closer) Close() error { c.closed++; return nil }

func fastConfig() Config {
	return Config{
		WakeInterval:   5 * time.Millisecond,
		UnlockInterval: 5 * time.Millisecond,
		KeepAlive:      10 * time.Millisecond,
		RestartAfter:   time.Hour,
		WriteSettle:    time.Millisecond,
		ProgramSettle:  time.Millisecond,
		Drain:          time.Millisecond,
		FrameSpacing:   time.Millisecond,
		ReceiveTimeout: 5 * time.Millisecond,
		ReceiveYield:   time.Millisecond,
	}
}

type fixture struct {
	flags   *Flags
	frames  *frameLog
	bus     *fakeBus
	rec     *system.Recorder
	journal *memJournal
	closer  *closer
	board   *status.Board
	orch    *Orchestrator
}

func newFixture(cfg Config, vehicle, column string) *fixture {
	fx := &fixture{
		flags:   NewFlags(),
		frames:  &frameLog{},
		bus:     &fakeBus{},
		rec:     system.NewRecorder(),
		journal: &memJournal{},
		closer:  &closer{},
		board:   status.NewBoard(0),
	}
	fx.orch = NewOrchestrator(cfg, Deps{
		Flags:     fx.flags,
		Vehicle:   fixedVIN(vehicle),
		Column:    fixedVIN(column),
		Runner:    script.NewRunner(fx.frames, fx.flags.Stop, cfg.FrameSpacing),
		IDs:       script.DefaultIDs(),
		Bus:       fx.bus,
		Restarter: fx.rec,
		Journal:   fx.journal,
		Board:     fx.board,
		Closers:   []io.Closer{fx.closer},
	})
	return fx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOrchestratorEqualVINsMaintain(t *testing.T) {
	fx := newFixture(fastConfig(), "VF1AAAAA11A111111", "VF1AAAAA11A111111")
	fx.flags.VehicleReady.Set()
	fx.flags.ColumnReady.Set()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fx.orch.Run(ctx) }()

	waitFor(t, "restart timer", fx.orch.RestartArmed)
	if st, _ := fx.orch.State(); st != Maintaining {
		t.Fatalf("state = %s, want Maintaining", st)
	}
	waitFor(t, "two keep-alives", func() bool { return fx.frames.count(0x742, 0x03, 0x14, 0xFF) >= 2 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}
	if fx.frames.count(0x742, 0x10, 0x14, 0x3B) != 0 {
		t.Fatal("VIN written while maintaining")
	}
	if fx.flags.Stop.IsSet() || fx.bus.shutdowns != 0 {
		t.Fatal("maintaining must not stop the session")
	}
	if fx.orch.RestartArmed() {
		t.Fatal("restart timer left armed after cancel")
	}
}

func TestOrchestratorRestartTimerFires(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartAfter = 20 * time.Millisecond
	fx := newFixture(cfg, "VF1AAAAA11A111111", "VF1AAAAA11A111111")
	fx.flags.VehicleReady.Set()
	fx.flags.ColumnReady.Set()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fx.orch.Run(ctx) }()

	select {
	case reason := <-fx.rec.Requests():
		if reason != "maintenance restart timer" {
			t.Fatalf("restart reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart timer did not fire")
	}
}

func TestOrchestratorDifferentVINsClone(t *testing.T) {
	const vehicle, column = "VF1AAAAA11A111111", "VF1AAAAA11A222222"
	fx := newFixture(fastConfig(), vehicle, column)
	fx.flags.VehicleReady.Set()
	fx.flags.ColumnReady.Set()
	late := &closer{}
	fx.orch.AddCloser(late)

	if err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if st, _ := fx.orch.State(); st != Stopped {
		t.Fatalf("state = %s, want Stopped", st)
	}
	if n := fx.frames.count(0x742, 0x10, 0x14, 0x3B, 0x81, 'V', 'F', '1', 'A'); n != 1 {
		t.Fatalf("VIN write sequences = %d, want 1", n)
	}
	if n := fx.frames.count(0x742, 0x02, 0x10, 0xFB); n != 1 {
		t.Fatalf("immobilizer sequences = %d, want 1", n)
	}
	if n := fx.frames.count(0x742); n != 8 {
		t.Fatalf("frames to write id = %d, want 8", n)
	}
	if !fx.flags.Stop.IsSet() {
		t.Fatal("stop not requested")
	}
	if fx.bus.shutdowns != 1 || fx.closer.closed != 1 || late.closed != 1 {
		t.Fatalf("shutdowns=%d closed=%d late=%d", fx.bus.shutdowns, fx.closer.closed, late.closed)
	}
	if fx.orch.RestartArmed() || fx.rec.Count() != 0 {
		t.Fatal("clone path touched the restart timer")
	}

	want := []string{journal.EventVINs, journal.EventCloned, journal.EventStopped}
	got := fx.journal.events()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal = %v, want %v", got, want)
		}
	}
}

func TestOrchestratorWaitsForBothVINs(t *testing.T) {
	fx := newFixture(fastConfig(), "VF1AAAAA11A111111", "VF1AAAAA11A222222")
	fx.flags.VehicleReady.Set()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := fx.orch.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v", err)
	}
	if st, _ := fx.orch.State(); st != AwaitingVins {
		t.Fatalf("state = %s", st)
	}
	if len(fx.frames.frames) != 0 {
		t.Fatal("frames sent before both VINs were known")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		AwaitingVins: "AwaitingVins",
		Deciding:     "Deciding",
		Maintaining:  "Maintaining",
		Cloning:      "Cloning",
		Stopped:      "Stopped",
		State(9):     "State(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", int(s), s.String())
		}
	}
}

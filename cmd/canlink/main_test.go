package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/canlink/internal/system"
)

type exitStub struct{ reasons []string }

func (e *exitStub) Restart(reason string) { e.reasons = append(e.reasons, reason) }

func TestChooseRestarter(t *testing.T) {
	exit := &exitStub{}

	r, rec := chooseRestarter("sim", exit)
	if rec == nil || r != system.Restarter(rec) {
		t.Fatalf("sim driver got %T, want the recorder", r)
	}
	r.Restart("uptime watchdog")
	if rec.Count() != 1 || len(exit.reasons) != 0 {
		t.Fatalf("sim restart reached exit: recorder=%d exit=%v", rec.Count(), exit.reasons)
	}

	for _, driver := range []string{"socketcan", "slcan"} {
		r, rec := chooseRestarter(driver, exit)
		if rec != nil || r != system.Restarter(exit) {
			t.Fatalf("%s driver got %T, want the exit restarter", driver, r)
		}
	}
}

type stubBus struct{ err error }

func (b stubBus) Shutdown() error { return b.err }

type stubCloser struct{ err error }

func (c stubCloser) Close() error { return c.err }

func TestReleaseLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	busErr := errors.New("uninstall failed")
	closeErr := errors.New("listener gone")

	err := release(l, stubBus{busErr}, stubCloser{closeErr})
	if !errors.Is(err, busErr) || !errors.Is(err, closeErr) {
		t.Fatalf("release() = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"bus shutdown", "uninstall failed", "status server close", "listener gone"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %q", out, want)
		}
	}
}

func TestReleaseQuietOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	if err := release(zerolog.New(&buf), stubBus{}, stubCloser{}); err != nil {
		t.Fatalf("release() = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlagSetOnce(t *testing.T) {
	f := NewFlag()
	if f.IsSet() {
		t.Fatal("new flag is set")
	}
	f.Set()
	f.Set()
	if !f.IsSet() {
		t.Fatal("flag not set")
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestFlagWaitCancelled(t *testing.T) {
	f := NewFlag()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestFlagWakesWaiters(t *testing.T) {
	f := NewFlag()
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- f.Wait(context.Background()) }()
	}
	f.Set()
	for i := 0; i < 3; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait() = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
}

func TestFlagsBothReady(t *testing.T) {
	f := NewFlags()
	f.VehicleReady.Set()
	if f.BothReady() {
		t.Fatal("both ready with only vehicle set")
	}
	f.ColumnReady.Set()
	if !f.BothReady() {
		t.Fatal("both flags set but not ready")
	}
	if f.Stop.IsSet() {
		t.Fatal("stop set")
	}
}

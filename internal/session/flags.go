package session

import (
	"context"
	"sync"
)

// Flag is a set-once signal. Once set it stays set for the life of the
// process.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

func NewFlag() *Flag { return &Flag{ch: make(chan struct{})} }

// Set sets the flag. Setting it again has no effect.
func (f *Flag) Set() { f.once.Do(func() { close(f.ch) }) }

// IsSet reports whether the flag is set.
func (f *Flag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set.
func (f *Flag) Done() <-chan struct{} { return f.ch }

// Wait blocks until the flag is set or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flags are the session signals shared by the tasks.
type Flags struct {
	VehicleReady *Flag
	ColumnReady  *Flag
	Stop         *Flag
}

func NewFlags() *Flags {
	return &Flags{VehicleReady: NewFlag(), ColumnReady: NewFlag(), Stop: NewFlag()}
}

// BothReady reports whether both VINs are known.
func (f *Flags) BothReady() bool { return f.VehicleReady.IsSet() && f.ColumnReady.IsSet() }

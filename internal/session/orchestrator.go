// Package session runs the diagnostic session: it captures the VINs of the
// vehicle and steering column ECUs, compares them and then either keeps the
// session alive or clones the vehicle VIN into the column.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/journal"
	"github.com/shaunagostinho/canlink/internal/script"
	"github.com/shaunagostinho/canlink/internal/system"
)

// State is the orchestrator state.
type State int

const (
	AwaitingVins State = iota
	Deciding
	Maintaining
	Cloning
	Stopped
)

func (s State) String() string {
	switch s {
	case AwaitingVins:
		return "AwaitingVins"
	case Deciding:
		return "Deciding"
	case Maintaining:
		return "Maintaining"
	case Cloning:
		return "Cloning"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// VINSource yields a validated VIN once known.
type VINSource interface {
	VIN() (string, bool)
}

// Bus is the part of the bus health manager the orchestrator drives.
type Bus interface {
	Shutdown() error
}

// Journal records session decisions.
type Journal interface {
	Append(e journal.Entry) error
}

// Publisher receives status lines for the status board.
type Publisher interface {
	Publish(msg string)
}

// Deps are the collaborators of an Orchestrator. Journal, Board and Closers
// are optional.
type Deps struct {
	Flags     *Flags
	Vehicle   VINSource
	Column    VINSource
	Runner    *script.Runner
	IDs       script.IDs
	Bus       Bus
	Restarter system.Restarter
	Journal   Journal
	Board     Publisher
	Closers   []io.Closer // released on Stopped, e.g. the status server
}

// Orchestrator is the top level session state machine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu           sync.Mutex
	state        State
	since        time.Time
	restartTimer *time.Timer
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		log:   log.With().Str("component", "session").Logger(),
		state: AwaitingVins,
		since: time.Now(),
	}
}

// State returns the current state and when it was entered.
func (o *Orchestrator) State() (State, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.since
}

// AddCloser registers c to be released on Stopped. Call before Run.
func (o *Orchestrator) AddCloser(c io.Closer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps.Closers = append(o.deps.Closers, c)
}

// RestartArmed reports whether the maintenance restart timer is armed.
func (o *Orchestrator) RestartArmed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.restartTimer != nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.since = time.Now()
	o.mu.Unlock()
	o.log.Info().Stringer("from", prev).Stringer("to", s).Msg("state change")
}

// Run drives the session to completion. It returns nil after the Stopped
// state has released its resources and ctx.Err() if cancelled first.
// Maintaining only ends through the restart timer or cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(AwaitingVins)
	if err := o.awaitVINs(ctx); err != nil {
		o.cancelRestart()
		return err
	}
	if o.deps.Flags.Stop.IsSet() {
		return o.stop()
	}

	o.setState(Deciding)
	vehicle, _ := o.deps.Vehicle.VIN()
	column, _ := o.deps.Column.VIN()
	o.record(journal.Entry{Event: journal.EventVINs, VehicleVIN: vehicle, ColumnVIN: column})

	if vehicle == column {
		return o.maintain(ctx, vehicle)
	}
	if err := o.clone(ctx, vehicle, column); err != nil {
		return err
	}
	return o.stop()
}

// awaitVINs blocks until both ready flags are set, waking periodically to
// report progress.
func (o *Orchestrator) awaitVINs(ctx context.Context) error {
	f := o.deps.Flags
	ticker := time.NewTicker(o.cfg.WakeInterval)
	defer ticker.Stop()
	waited := 0
	for !f.BothReady() {
		// A flag already set is left out of the select.
		var vehicle, column <-chan struct{}
		if !f.VehicleReady.IsSet() {
			vehicle = f.VehicleReady.Done()
		}
		if !f.ColumnReady.IsSet() {
			column = f.ColumnReady.Done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.Stop.Done():
			return nil
		case <-vehicle:
		case <-column:
		case <-ticker.C:
			waited++
			if waited%30 == 0 {
				o.log.Info().Bool("vehicle", f.VehicleReady.IsSet()).Bool("column", f.ColumnReady.IsSet()).
					Int("waited_s", int(time.Duration(waited)*o.cfg.WakeInterval/time.Second)).
					Msg("waiting for VINs")
			}
		}
	}
	return nil
}

// maintain arms the restart timer and sends the DTC clear keep-alive until
// ctx is done.
func (o *Orchestrator) maintain(ctx context.Context, vin string) error {
	o.setState(Maintaining)
	o.publish(fmt.Sprintf("VINs match (%s), maintaining session", vin))
	o.record(journal.Entry{Event: journal.EventMaintaining, VehicleVIN: vin, ColumnVIN: vin})

	o.mu.Lock()
	o.restartTimer = time.AfterFunc(o.cfg.RestartAfter, func() {
		o.deps.Restarter.Restart("maintenance restart timer")
	})
	o.mu.Unlock()
	o.log.Info().Dur("restart_in", o.cfg.RestartAfter).Msg("restart timer armed")

	keepAlive := script.DTCClear(o.deps.IDs)
	ticker := time.NewTicker(o.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		if err := o.deps.Runner.Run(ctx, keepAlive); err != nil {
			o.cancelRestart()
			return err
		}
		select {
		case <-ctx.Done():
			o.cancelRestart()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) cancelRestart() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
}

// clone writes the vehicle VIN into the column ECU, programs the
// immobilizer and requests stop.
func (o *Orchestrator) clone(ctx context.Context, vehicle, column string) error {
	o.setState(Cloning)
	o.publish(fmt.Sprintf("VIN mismatch: vehicle %s, column %s. Cloning", vehicle, column))

	write, err := script.VINWrite(o.deps.IDs, vehicle)
	if err != nil {
		// Pipelines only publish validated VINs.
		return fmt.Errorf("session: %w", err)
	}
	if err := o.deps.Runner.Run(ctx, write); err != nil {
		return err
	}
	if err := sleep(ctx, o.cfg.WriteSettle); err != nil {
		return err
	}
	if err := o.deps.Runner.Run(ctx, script.ImmoProgram(o.deps.IDs)); err != nil {
		return err
	}
	if err := sleep(ctx, o.cfg.ProgramSettle); err != nil {
		return err
	}

	o.record(journal.Entry{Event: journal.EventCloned, VehicleVIN: vehicle, ColumnVIN: column})
	o.publish("Column VIN written and immobilizer programmed")
	o.deps.Flags.Stop.Set()
	return sleep(ctx, o.cfg.Drain)
}

// stop shuts the bus down and releases the status server.
func (o *Orchestrator) stop() error {
	o.setState(Stopped)
	o.deps.Flags.Stop.Set()
	if err := o.deps.Bus.Shutdown(); err != nil {
		o.log.Warn().Err(err).Msg("bus shutdown")
	}
	o.mu.Lock()
	closers := o.deps.Closers
	o.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			o.log.Warn().Err(err).Msg("release resource")
		}
	}
	o.record(journal.Entry{Event: journal.EventStopped})
	o.log.Info().Msg("session stopped")
	return nil
}

func (o *Orchestrator) publish(msg string) {
	if o.deps.Board != nil {
		o.deps.Board.Publish(msg)
	}
}

func (o *Orchestrator) record(e journal.Entry) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.Append(e); err != nil {
		o.log.Warn().Err(err).Str("event", e.Event).Msg("journal append failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package bus keeps the CAN link healthy: it owns the driver lifecycle,
// polls controller status, recovers from bus-off, relieves congested queues
// and escalates repeated failures into a device restart.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/system"
)

// ErrRecovered is returned by Send when the consecutive transmit error
// ceiling was reached and the bus was reinitialized. It wraps the last
// transmit error.
var ErrRecovered = errors.New("bus: transmit error ceiling reached, bus reinitialized")

// Counters is a snapshot of the health counters.
type Counters struct {
	ConsecutiveErrors   int `json:"consecutiveErrors"`
	FramesSinceCooldown int `json:"framesSinceCooldown"`
	ReinitAttempts      int `json:"reinitAttempts"`
	Recoveries          int `json:"recoveries"`
	Restarts            int `json:"restarts"`
}

// Publisher receives human-readable bus events for the status board.
type Publisher interface {
	Publish(msg string)
}

// Manager owns the driver behind a Transport. Counters are only mutated by
// Manager methods; readers get copies.
type Manager struct {
	cfg       Config
	tr        *can.Transport
	restarter system.Restarter
	log       zerolog.Logger

	mu       sync.Mutex
	pub      Publisher
	counters Counters
	status   can.Status
	polledAt time.Time

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager for tr. Missing config values get defaults.
func NewManager(cfg Config, tr *can.Transport, restarter system.Restarter) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		tr:        tr,
		restarter: restarter,
		log:       log.With().Str("component", "bus").Logger(),
		sleep:     sleepContext,
	}
}

// SetPublisher routes recoveries and transmit failures to p.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

func (m *Manager) publish(msg string) {
	m.mu.Lock()
	p := m.pub
	m.mu.Unlock()
	if p != nil {
		p.Publish(msg)
	}
}

// Counters returns a snapshot of the health counters.
func (m *Manager) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// LastStatus returns the most recently polled controller status and when it
// was read.
func (m *Manager) LastStatus() (can.Status, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.polledAt
}

// Start installs and starts the driver, retrying with exponential backoff.
// If the driver cannot be brought up the device is restarted.
func (m *Manager) Start(ctx context.Context) error {
	err := retry.Do(
		func() error { return m.bringUp() },
		retry.Context(ctx),
		retry.Attempts(m.cfg.StartAttempts),
		retry.Delay(m.cfg.ReinitDelay),
		retry.MaxDelay(m.cfg.MaxRetryInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn().Err(err).Uint("attempt", n+1).Msg("driver bring-up failed, retrying")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Error().Err(err).Msg("driver bring-up failed")
		m.restart("driver bring-up failed")
		return fmt.Errorf("bus: bring-up: %w", err)
	}
	m.log.Info().
		Str("driver", m.tr.DriverName()).
		Uint32("bitrate", m.cfg.Driver.Bitrate).
		Int("tx_queue", m.cfg.Driver.TxQueueLen).
		Int("rx_queue", m.cfg.Driver.RxQueueLen).
		Msg("driver started")
	return nil
}

func (m *Manager) bringUp() error {
	return m.tr.Exclusive(func(d can.Driver) error {
		if err := d.Install(m.cfg.Driver); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		if err := d.Start(); err != nil {
			_ = d.Uninstall()
			return fmt.Errorf("start: %w", err)
		}
		return nil
	})
}

// Run polls controller status every StatusInterval and restarts the device
// once WatchdogUptime has elapsed. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()

	var watchdog <-chan time.Time
	if m.cfg.WatchdogUptime > 0 {
		t := time.NewTimer(m.cfg.WatchdogUptime)
		defer t.Stop()
		watchdog = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollStatus(ctx)
		case <-watchdog:
			watchdog = nil
			m.log.Info().Dur("uptime", m.cfg.WatchdogUptime).Msg("uptime watchdog expired")
			m.restart("uptime watchdog")
		}
	}
}

// PollStatus reads the controller status, recovers from bus-off and clears
// congested queues.
func (m *Manager) PollStatus(ctx context.Context) {
	st, err := m.tr.Status()
	if err != nil {
		m.log.Warn().Err(err).Msg("status read failed")
		return
	}

	m.mu.Lock()
	m.status = st
	m.polledAt = time.Now()
	m.mu.Unlock()

	m.log.Info().
		Stringer("state", st.State).
		Int("rx_pending", st.RxPending).
		Int("tx_pending", st.TxPending).
		Uint32("rx_errors", st.RxErrorCount).
		Uint32("tx_errors", st.TxErrorCount).
		Uint32("bus_errors", st.BusErrorCount).
		Msg("controller status")

	if st.State == can.StateBusOff {
		m.recoverBusOff(ctx)
		return
	}

	if m.congested(st) {
		m.log.Warn().Int("rx_pending", st.RxPending).Int("tx_pending", st.TxPending).
			Msg("queues congested, clearing")
		err := m.tr.Exclusive(func(d can.Driver) error {
			return errors.Join(d.ClearTransmitQueue(), d.ClearReceiveQueue())
		})
		if err != nil {
			m.log.Error().Err(err).Msg("queue clear failed")
		} else {
			m.publish(fmt.Sprintf("Queues congested (rx %d, tx %d), cleared", st.RxPending, st.TxPending))
		}
	}
}

func (m *Manager) congested(st can.Status) bool {
	txLimit := m.cfg.CongestionRatio * float64(m.cfg.Driver.TxQueueLen)
	rxLimit := m.cfg.CongestionRatio * float64(m.cfg.Driver.RxQueueLen)
	return float64(st.TxPending) > txLimit || float64(st.RxPending) > rxLimit
}

func (m *Manager) recoverBusOff(ctx context.Context) {
	m.log.Warn().Msg("bus-off detected, initiating recovery")
	m.publish("Bus-off detected, recovering")
	m.mu.Lock()
	m.counters.Recoveries++
	m.mu.Unlock()

	if err := m.tr.Exclusive(func(d can.Driver) error { return d.InitiateRecovery() }); err != nil {
		m.log.Error().Err(err).Msg("bus-off recovery could not be initiated")
	}
	if err := m.sleep(ctx, m.cfg.BusOffSettle); err != nil {
		return
	}
	if err := m.Reinitialize(ctx); err != nil {
		m.log.Error().Err(err).Msg("bus-off recovery did not complete")
	}
}

// Reinitialize stops, uninstalls, reinstalls and restarts the driver under
// the transport lock. After MaxReinitAttempts consecutive failures the
// device is restarted.
func (m *Manager) Reinitialize(ctx context.Context) error {
	err := m.tr.Exclusive(func(d can.Driver) error {
		if err := d.Stop(); err != nil {
			m.log.Debug().Err(err).Msg("stop before reinit")
		}
		if err := d.Uninstall(); err != nil {
			m.log.Debug().Err(err).Msg("uninstall before reinit")
		}
		if err := m.sleep(ctx, m.cfg.ReinitDelay); err != nil {
			return err
		}
		if err := d.Install(m.cfg.Driver); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		if err := d.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil
	})

	if err != nil && ctx.Err() != nil {
		// Shutting down; not a failed attempt.
		m.log.Info().Err(err).Msg("reinitialization interrupted")
		return fmt.Errorf("bus: reinitialize: %w", ctx.Err())
	}

	m.mu.Lock()
	if err == nil {
		m.counters.ReinitAttempts = 0
		m.mu.Unlock()
		m.log.Info().Msg("driver reinitialized")
		m.publish("CAN driver reinitialized")
		return nil
	}
	m.counters.ReinitAttempts++
	attempts := m.counters.ReinitAttempts
	m.mu.Unlock()

	m.log.Error().Err(err).Int("attempt", attempts).Int("max", m.cfg.MaxReinitAttempts).
		Msg("reinitialization failed")
	m.publish(fmt.Sprintf("CAN reinitialization failed (%d/%d)", attempts, m.cfg.MaxReinitAttempts))
	if attempts == m.cfg.MaxReinitAttempts {
		m.restart("reinitialization failed repeatedly")
	}
	return fmt.Errorf("bus: reinitialize: %w", err)
}

// Send transmits f, retrying the same frame with exponential backoff. When
// MaxConsecutiveErrors is reached the driver is reinitialized once, the error
// and burst counters are reset and ErrRecovered is returned.
func (m *Manager) Send(ctx context.Context, f can.Frame) error {
	for {
		err := m.tr.Send(f, m.cfg.TransmitTimeout)
		if err == nil {
			return m.sent(ctx)
		}
		if errors.Is(err, can.ErrInvalidID) || errors.Is(err, can.ErrInvalidLen) {
			return err
		}

		m.mu.Lock()
		m.counters.ConsecutiveErrors++
		n := m.counters.ConsecutiveErrors
		m.mu.Unlock()

		if n >= m.cfg.MaxConsecutiveErrors {
			m.log.Error().Err(err).Int("errors", n).Str("frame", f.String()).
				Msg("transmit error ceiling reached, reinitializing")
			m.publish(fmt.Sprintf("Transmit of %03X failed %d times, reinitializing bus", f.ID, n))
			if rerr := m.Reinitialize(ctx); rerr != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			m.mu.Lock()
			m.counters.ConsecutiveErrors = 0
			m.counters.FramesSinceCooldown = 0
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrRecovered, err)
		}

		delay := m.cfg.Backoff(n)
		m.log.Warn().Err(err).Int("errors", n).Dur("backoff", delay).Msg("transmit failed")
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sent books a successful transmit and takes the cooldown pause after a
// burst of FramesBeforeCooldown frames.
func (m *Manager) sent(ctx context.Context) error {
	m.mu.Lock()
	m.counters.ConsecutiveErrors = 0
	m.counters.FramesSinceCooldown++
	cooldown := m.counters.FramesSinceCooldown >= m.cfg.FramesBeforeCooldown
	if cooldown {
		m.counters.FramesSinceCooldown = 0
	}
	m.mu.Unlock()

	if !cooldown {
		return nil
	}
	m.log.Debug().Dur("pause", m.cfg.CooldownTime).Msg("transmit cooldown")
	if err := m.sleep(ctx, m.cfg.CooldownTime); err != nil {
		return err
	}
	m.PollStatus(ctx)
	return nil
}

// Shutdown stops and uninstalls the driver.
func (m *Manager) Shutdown() error {
	err := m.tr.Exclusive(func(d can.Driver) error {
		stopErr := d.Stop()
		if errors.Is(stopErr, can.ErrNotRunning) {
			stopErr = nil
		}
		return errors.Join(stopErr, d.Uninstall())
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("driver shutdown")
		return fmt.Errorf("bus: shutdown: %w", err)
	}
	m.log.Info().Msg("driver stopped and uninstalled")
	return nil
}

func (m *Manager) restart(reason string) {
	m.mu.Lock()
	m.counters.Restarts++
	m.mu.Unlock()
	m.restarter.Restart(reason)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

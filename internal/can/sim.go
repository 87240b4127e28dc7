package can

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Responder is a simulated node on the bus. It sees every transmitted frame
// and returns the frames it answers with, if any.
type Responder func(req Frame) []Frame

// SimDriver is an in-memory CAN controller for development and testing.
// Transmitted frames are offered to the registered responders and their
// answers are queued for Receive. Faults can be injected to exercise the
// bus health manager.
type SimDriver struct {
	mu         sync.Mutex
	cfg        DriverConfig
	installed  bool
	state      State
	rx         chan Frame
	responders []Responder
	sent       []Frame
	log        zerolog.Logger

	txFailures      int // next N transmits fail with ErrTimeout
	installFailures int // next N installs fail
	txPending       int
	txErrors        uint32
	installs        int
	recoveries      int
}

// NewSimDriver creates a simulated driver with the given responders attached.
func NewSimDriver(responders ...Responder) *SimDriver {
	return &SimDriver{
		responders: responders,
		log:        log.With().Str("component", "sim").Logger(),
	}
}

func (d *SimDriver) Name() string { return "Simulated" }

func (d *SimDriver) Install(cfg DriverConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installFailures > 0 {
		d.installFailures--
		return errors.New("sim: install failed (injected)")
	}
	if d.installed {
		return errors.New("sim: already installed")
	}
	if cfg.RxQueueLen <= 0 {
		cfg.RxQueueLen = 64
	}
	d.cfg = cfg
	d.rx = make(chan Frame, cfg.RxQueueLen)
	d.installed = true
	d.state = StateStopped
	d.txPending = 0
	d.installs++
	return nil
}

func (d *SimDriver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	d.installed = false
	d.state = StateStopped
	d.rx = nil
	return nil
}

func (d *SimDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	if d.state == StateRunning {
		return errors.New("sim: already running")
	}
	d.state = StateRunning
	return nil
}

func (d *SimDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return ErrNotRunning
	}
	d.state = StateStopped
	return nil
}

func (d *SimDriver) Transmit(f Frame, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case !d.installed || d.state == StateStopped:
		return ErrNotRunning
	case d.state == StateBusOff:
		return ErrBusOff
	}
	if d.txFailures > 0 {
		d.txFailures--
		d.txErrors++
		return fmt.Errorf("sim: transmit %03X: %w", f.ID, ErrTimeout)
	}
	d.sent = append(d.sent, f)

	for _, r := range d.responders {
		for _, resp := range r(f) {
			select {
			case d.rx <- resp:
			default:
				d.log.Warn().Str("frame", resp.String()).Msg("receive queue full, dropping")
			}
		}
	}
	return nil
}

func (d *SimDriver) Receive(timeout time.Duration) (Frame, error) {
	d.mu.Lock()
	if !d.installed || d.state != StateRunning {
		d.mu.Unlock()
		return Frame{}, ErrNotRunning
	}
	rx := d.rx
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-rx:
		return f, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

func (d *SimDriver) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return Status{}, ErrNotInstalled
	}
	return Status{
		State:        d.state,
		RxPending:    len(d.rx),
		TxPending:    d.txPending,
		TxErrorCount: d.txErrors,
	}, nil
}

func (d *SimDriver) InitiateRecovery() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateBusOff {
		return fmt.Errorf("sim: recovery requested in state %s", d.state)
	}
	d.recoveries++
	d.txErrors = 0
	d.state = StateStopped
	return nil
}

func (d *SimDriver) ClearTransmitQueue() error {
	d.mu.Lock()
	d.txPending = 0
	d.mu.Unlock()
	return nil
}

func (d *SimDriver) ClearReceiveQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case <-d.rx:
		default:
			return nil
		}
	}
}

// InjectTransmitErrors makes the next n transmits fail.
func (d *SimDriver) InjectTransmitErrors(n int) {
	d.mu.Lock()
	d.txFailures = n
	d.mu.Unlock()
}

// InjectInstallErrors makes the next n installs fail.
func (d *SimDriver) InjectInstallErrors(n int) {
	d.mu.Lock()
	d.installFailures = n
	d.mu.Unlock()
}

// ForceBusOff puts a running controller into the bus-off state.
func (d *SimDriver) ForceBusOff() {
	d.mu.Lock()
	if d.installed {
		d.state = StateBusOff
		d.txErrors = 256
	}
	d.mu.Unlock()
}

// SetTxPending fakes a transmit backlog, as seen by Status.
func (d *SimDriver) SetTxPending(n int) {
	d.mu.Lock()
	d.txPending = n
	d.mu.Unlock()
}

// Inject queues a frame as if it arrived from the bus.
func (d *SimDriver) Inject(f Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rx == nil {
		return false
	}
	select {
	case d.rx <- f:
		return true
	default:
		return false
	}
}

// Sent returns a copy of every frame transmitted so far.
func (d *SimDriver) Sent() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Frame, len(d.sent))
	copy(out, d.sent)
	return out
}

// Installs returns how many times the driver was installed.
func (d *SimDriver) Installs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs
}

// Recoveries returns how many bus-off recoveries were initiated.
func (d *SimDriver) Recoveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveries
}

// VINResponder simulates an ECU that answers a VIN read (service 0x21,
// local identifier 0x81) on reqID with a three-segment answer on respID.
func VINResponder(reqID, respID uint32, vin string) Responder {
	return func(req Frame) []Frame {
		p := req.Payload()
		if req.ID != reqID || len(p) < 3 || p[1] != 0x21 || p[2] != 0x81 {
			return nil
		}
		return SegmentVIN(respID, vin)
	}
}

// SegmentVIN splits a 17 byte VIN into the first, second and last segment
// frames an ECU sends in answer to a VIN read. Shorter input is zero padded.
func SegmentVIN(respID uint32, vin string) []Frame {
	var v [17]byte
	copy(v[:], vin)
	first := NewFrame(respID, 0x10, 0x14, 0x61, 0x81, v[0], v[1], v[2], v[3])
	second := NewFrame(respID, append([]byte{0x21}, v[4:11]...)...)
	last := NewFrame(respID, append(append([]byte{0x22}, v[11:17]...), 0x00)...)
	return []Frame{first, second, last}
}

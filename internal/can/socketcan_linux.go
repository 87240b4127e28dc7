//go:build linux

package can

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	einride "go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN drives a Linux CAN interface (can0, vcan0, ...). Install sets the
// bitrate through netlink, Start brings the link up and opens a raw socket.
type SocketCAN struct {
	iface string

	mu     sync.Mutex
	dev    *candevice.Device
	conn   net.Conn
	recv   *socketcan.Receiver
	tx     *socketcan.Transmitter
	state  State
	rxErrs uint32
	txErrs uint32
	log    zerolog.Logger
}

// NewSocketCAN creates a driver for the named interface.
func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{
		iface: iface,
		log:   log.With().Str("component", "socketcan").Str("iface", iface).Logger(),
	}
}

func (s *SocketCAN) Name() string { return "SocketCAN " + s.iface }

func (s *SocketCAN) Install(cfg DriverConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return errors.New("socketcan: already installed")
	}
	d, err := candevice.New(s.iface)
	if err != nil {
		return fmt.Errorf("socketcan: open %s: %w", s.iface, err)
	}
	if up, err := d.IsUp(); err == nil && up {
		_ = d.SetDown()
	}
	// Virtual interfaces have no bitrate; only a real controller rejects this.
	if err := d.SetBitrate(cfg.Bitrate); err != nil {
		s.log.Debug().Err(err).Uint32("bitrate", cfg.Bitrate).Msg("set bitrate")
	}
	s.dev = d
	s.state = StateStopped
	return nil
}

func (s *SocketCAN) Uninstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return ErrNotInstalled
	}
	s.closeLocked()
	s.dev = nil
	return nil
}

func (s *SocketCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return ErrNotInstalled
	}
	if err := s.dev.SetUp(); err != nil {
		return fmt.Errorf("socketcan: set %s up: %w", s.iface, err)
	}
	conn, err := socketcan.DialContext(context.Background(), "can", s.iface)
	if err != nil {
		_ = s.dev.SetDown()
		return fmt.Errorf("socketcan: dial %s: %w", s.iface, err)
	}
	s.conn = conn
	s.recv = socketcan.NewReceiver(conn)
	s.tx = socketcan.NewTransmitter(conn)
	s.state = StateRunning
	s.log.Info().Msg("interface up")
	return nil
}

func (s *SocketCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning && s.state != StateBusOff {
		return ErrNotRunning
	}
	s.closeLocked()
	return nil
}

func (s *SocketCAN) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn, s.recv, s.tx = nil, nil, nil
	}
	if s.dev != nil {
		_ = s.dev.SetDown()
	}
	s.state = StateStopped
}

func (s *SocketCAN) Transmit(f Frame, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateBusOff:
		return ErrBusOff
	case StateRunning:
	default:
		return ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.tx.TransmitFrame(ctx, toEinride(f))
	if err != nil {
		s.txErrs++
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("socketcan: transmit %03X: %w", f.ID, ErrTimeout)
		}
		return fmt.Errorf("socketcan: transmit %03X: %w", f.ID, err)
	}
	return nil
}

func (s *SocketCAN) Receive(timeout time.Duration) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Frame{}, ErrNotRunning
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return Frame{}, fmt.Errorf("socketcan: %w", err)
		}
		if !s.recv.Receive() {
			err := s.recv.Err()
			// The receiver keeps its last error; start over with a fresh one.
			s.recv = socketcan.NewReceiver(s.conn)
			if isTimeout(err) {
				return Frame{}, ErrTimeout
			}
			s.rxErrs++
			if err == nil {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("socketcan: receive: %w", err)
		}
		if s.recv.HasErrorFrame() {
			if s.recv.ErrorFrame().ErrorClass == socketcan.ErrorClassBusOff {
				s.state = StateBusOff
				s.log.Warn().Msg("controller reported bus-off")
				return Frame{}, ErrBusOff
			}
			s.rxErrs++
			continue
		}
		return fromEinride(s.recv.Frame()), nil
	}
}

func (s *SocketCAN) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return Status{}, ErrNotInstalled
	}
	st := Status{State: s.state, RxErrorCount: s.rxErrs, TxErrorCount: s.txErrs}
	if s.state == StateRunning {
		if up, err := s.dev.IsUp(); err == nil && !up {
			st.State = StateStopped
		}
	}
	return st, nil
}

// InitiateRecovery takes the link down; Start brings it back.
func (s *SocketCAN) InitiateRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return ErrNotInstalled
	}
	s.closeLocked()
	s.rxErrs, s.txErrs = 0, 0
	return nil
}

// ClearTransmitQueue is a no-op: pending frames live in the kernel qdisc.
func (s *SocketCAN) ClearTransmitQueue() error { return nil }

func (s *SocketCAN) ClearReceiveQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil
	}
	drained := 0
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		if !s.recv.Receive() {
			s.recv = socketcan.NewReceiver(s.conn)
			break
		}
		drained++
	}
	if drained > 0 {
		s.log.Debug().Int("frames", drained).Msg("receive queue cleared")
	}
	return nil
}

// isTimeout reports a read deadline expiry, possibly wrapped by the receiver.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func toEinride(f Frame) einride.Frame {
	return einride.Frame{
		ID:         f.ID,
		Length:     f.Len,
		Data:       einride.Data(f.Data),
		IsRemote:   f.Remote,
		IsExtended: f.Extended,
	}
}

func fromEinride(f einride.Frame) Frame {
	return Frame{
		ID:       f.ID,
		Len:      f.Length,
		Data:     [8]byte(f.Data),
		Remote:   f.IsRemote,
		Extended: f.IsExtended,
	}
}

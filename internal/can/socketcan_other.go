//go:build !linux

package can

import (
	"errors"
	"time"
)

var errNoSocketCAN = errors.New("socketcan: only available on linux")

// SocketCAN is unavailable on this platform; every call fails.
type SocketCAN struct{ iface string }

func NewSocketCAN(iface string) *SocketCAN { return &SocketCAN{iface: iface} }

func (s *SocketCAN) Name() string { return "SocketCAN " + s.iface }
func (s *SocketCAN) Install(DriverConfig) error { return errNoSocketCAN }
func (s *SocketCAN) Uninstall() error { return errNoSocketCAN }
func (s *SocketCAN) Start() error { return errNoSocketCAN }
func (s *SocketCAN) Stop() error { return errNoSocketCAN }
func (s *SocketCAN) Transmit(Frame, time.Duration) error { return errNoSocketCAN }
func (s *SocketCAN) Receive(time.Duration) (Frame, error) { return Frame{}, errNoSocketCAN }
func (s *SocketCAN) Status() (Status, error) { return Status{}, errNoSocketCAN }
func (s *SocketCAN) InitiateRecovery() error { return errNoSocketCAN }
func (s *SocketCAN) ClearTransmitQueue() error { return errNoSocketCAN }
func (s *SocketCAN) ClearReceiveQueue() error { return errNoSocketCAN }

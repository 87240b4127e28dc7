package can

import (
	"errors"
	"time"
)

var (
	// ErrTimeout means no frame arrived, or the transmit queue stayed full,
	// within the requested timeout. On receive it is plain bus silence.
	ErrTimeout = errors.New("can: timeout")
	// ErrNotRunning is returned by I/O on a driver that is not started.
	ErrNotRunning = errors.New("can: driver not running")
	// ErrNotInstalled is returned when starting a driver before Install.
	ErrNotInstalled = errors.New("can: driver not installed")
	// ErrBusOff is returned by transmit while the controller is bus-off.
	ErrBusOff = errors.New("can: bus-off")
	// ErrClosed is returned after the underlying device went away.
	ErrClosed = errors.New("can: closed")
)

// State is the controller run state reported by Status.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateRecovering
	StateBusOff
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateRecovering:
		return "RECOVERING"
	case StateBusOff:
		return "BUS_OFF"
	}
	return "UNKNOWN"
}

// Status is a snapshot of the controller, polled by the bus health manager.
type Status struct {
	State         State
	RxPending     int // frames waiting in the receive queue
	TxPending     int // frames waiting in the transmit queue
	RxErrorCount  uint32
	TxErrorCount  uint32
	BusErrorCount uint32
}

// DriverConfig holds the hardware settings applied on Install.
type DriverConfig struct {
	TxPin      int    // transceiver TX line, for drivers that own GPIOs
	RxPin      int    // transceiver RX line
	Bitrate    uint32 // bit/s, 500000 on every supported vehicle
	TxQueueLen int
	RxQueueLen int
}

// Driver is the interface every CAN controller backend implements. It mirrors
// the lifecycle of an embedded CAN peripheral: install, start, stop, uninstall.
//
// Drivers are not required to be safe for concurrent use; Transport
// serializes every call.
type Driver interface {
	// Name returns a human-readable driver name.
	Name() string
	Install(cfg DriverConfig) error
	Uninstall() error
	Start() error
	Stop() error

	// Transmit queues one frame, blocking up to timeout while the queue is full.
	Transmit(f Frame, timeout time.Duration) error
	// Receive returns the next frame or ErrTimeout after timeout.
	Receive(timeout time.Duration) (Frame, error)

	Status() (Status, error)
	// InitiateRecovery starts bus-off recovery. The controller returns to
	// a stopped state once recovery completes.
	InitiateRecovery() error
	ClearTransmitQueue() error
	ClearReceiveQueue() error
}

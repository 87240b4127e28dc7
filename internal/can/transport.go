package can

import (
	"sync"
	"time"
)

// Direction tells a Tracer which way a frame went.
type Direction string

const (
	DirTx Direction = "tx"
	DirRx Direction = "rx"
)

// Tracer observes every frame that crosses the transport.
type Tracer interface {
	Record(dir Direction, f Frame)
}

// Transport serializes all access to a Driver. Each call holds the lock for
// the duration of that single hardware operation, never across loop
// iterations of the caller.
type Transport struct {
	mu     sync.Mutex
	drv    Driver
	tracer Tracer
}

// NewTransport wraps drv. tracer may be nil.
func NewTransport(drv Driver, tracer Tracer) *Transport {
	return &Transport{drv: drv, tracer: tracer}
}

// DriverName returns the wrapped driver's name.
func (t *Transport) DriverName() string { return t.drv.Name() }

// Send transmits f, waiting up to timeout for queue space.
func (t *Transport) Send(f Frame, timeout time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	err := t.drv.Transmit(f, timeout)
	t.mu.Unlock()

	if err == nil && t.tracer != nil {
		t.tracer.Record(DirTx, f)
	}
	return err
}

// Receive waits up to timeout for a frame. ErrTimeout is the normal outcome
// on a silent bus.
func (t *Transport) Receive(timeout time.Duration) (Frame, error) {
	t.mu.Lock()
	f, err := t.drv.Receive(timeout)
	t.mu.Unlock()

	if err == nil && t.tracer != nil {
		t.tracer.Record(DirRx, f)
	}
	return f, err
}

// Status reads the controller status.
func (t *Transport) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drv.Status()
}

// Exclusive runs fn with the driver while holding the transport lock, for
// multi-step operations such as reinitialization.
func (t *Transport) Exclusive(fn func(d Driver) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.drv)
}

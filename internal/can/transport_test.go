package can

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// exclusiveDriver fails the test if two calls ever overlap.
type exclusiveDriver struct {
	SimDriver
	inside  atomic.Int32
	overlap atomic.Bool
}

func (d *exclusiveDriver) enter() {
	if d.inside.Add(1) > 1 {
		d.overlap.Store(true)
	}
	time.Sleep(200 * time.Microsecond)
}

func (d *exclusiveDriver) leave() { d.inside.Add(-1) }

func (d *exclusiveDriver) Transmit(f Frame, timeout time.Duration) error {
	d.enter()
	defer d.leave()
	return nil
}

func (d *exclusiveDriver) Receive(timeout time.Duration) (Frame, error) {
	d.enter()
	defer d.leave()
	return Frame{}, ErrTimeout
}

type recordingTracer struct {
	mu  sync.Mutex
	dir []Direction
}

func (r *recordingTracer) Record(dir Direction, f Frame) {
	r.mu.Lock()
	r.dir = append(r.dir, dir)
	r.mu.Unlock()
}

func TestTransportSerializesAccess(t *testing.T) {
	drv := &exclusiveDriver{}
	tr := NewTransport(drv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = tr.Send(NewFrame(0x7E0, 0x3E), time.Millisecond)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = tr.Receive(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if drv.overlap.Load() {
		t.Fatal("driver was entered concurrently")
	}
}

func TestTransportRejectsInvalidFrame(t *testing.T) {
	drv := NewSimDriver()
	tr := NewTransport(drv, nil)
	if err := tr.Send(Frame{ID: 0x900}, time.Millisecond); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Send() = %v, want ErrInvalidID", err)
	}
}

func TestTransportTracesFrames(t *testing.T) {
	drv := NewSimDriver(VINResponder(0x7E0, 0x7E8, "VF1AB000123456789"))
	rec := &recordingTracer{}
	tr := NewTransport(drv, rec)

	if err := tr.Exclusive(func(d Driver) error {
		if err := d.Install(DriverConfig{Bitrate: 500000, RxQueueLen: 8}); err != nil {
			return err
		}
		return d.Start()
	}); err != nil {
		t.Fatalf("bring-up: %v", err)
	}

	if err := tr.Send(NewFrame(0x7E0, 0x02, 0x21, 0x81), 10*time.Millisecond); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := tr.Receive(10 * time.Millisecond); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
	}
	if _, err := tr.Receive(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("silent bus: got %v, want ErrTimeout", err)
	}

	want := []Direction{DirTx, DirRx, DirRx, DirRx}
	if len(rec.dir) != len(want) {
		t.Fatalf("traced %v, want %v", rec.dir, want)
	}
	for i := range want {
		if rec.dir[i] != want[i] {
			t.Fatalf("traced %v, want %v", rec.dir, want)
		}
	}
}

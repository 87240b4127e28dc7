package can

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SLCAN drives a serial-line CAN adapter speaking the Lawicel ASCII protocol
// (CANable, USBtin, ...). Frames are "tIIILDD..\r"; the adapter answers each
// command with '\r' (or "z\r" after a transmit) and '\a' on error.
type SLCAN struct {
	portPath string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	state   State
	pending []byte  // bytes read but not yet split into lines
	rxq     []Frame // frames seen while waiting for an acknowledgement
	rxCap   int
	txErrs  uint32
	rxErrs  uint32
	flags   byte
	log     zerolog.Logger
}

// SLCANConfig holds connection settings for the serial adapter.
type SLCANConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

const (
	slcanReadTimeout = 10 * time.Millisecond
	slcanCmdTimeout  = 500 * time.Millisecond
	slcanDrainTime   = 300 * time.Millisecond

	slcanAck  = '\r'
	slcanNack = '\a'

	// Status flag bits returned by the 'F' command.
	slcanFlagRxFull     = 0x01
	slcanFlagTxFull     = 0x02
	slcanFlagErrPassive = 0x20
	slcanFlagBusError   = 0x80
)

var slcanBitrates = map[uint32]byte{
	10000: '0', 20000: '1', 50000: '2', 100000: '3', 125000: '4',
	250000: '5', 500000: '6', 800000: '7', 1000000: '8',
}

var errSLCANNack = errors.New("slcan: adapter rejected command")

// NewSLCAN creates an SLCAN driver. The port is opened on Install.
func NewSLCAN(cfg SLCANConfig) *SLCAN {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &SLCAN{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      log.With().Str("component", "slcan").Str("port", cfg.PortPath).Logger(),
	}
}

func (s *SLCAN) Name() string { return "SLCAN " + s.portPath }

func (s *SLCAN) Install(cfg DriverConfig) error {
	code, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d", cfg.Bitrate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return errors.New("slcan: already installed")
	}
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("slcan: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("slcan: failed to set timeout: %w", err)
	}
	s.port = port
	s.rxCap = cfg.RxQueueLen
	if s.rxCap <= 0 {
		s.rxCap = 64
	}
	s.state = StateStopped
	s.log.Info().Int("baud", s.baudRate).Msg("opened adapter")

	// Close any channel left open by a previous run, then flush whatever
	// the adapter had buffered.
	_, _ = s.port.Write([]byte("C\r"))
	s.drain()

	if err := s.command([]byte{'S', code, '\r'}); err != nil {
		s.port.Close()
		s.port = nil
		return fmt.Errorf("slcan: set bitrate %d: %w", cfg.Bitrate, err)
	}
	return nil
}

func (s *SLCAN) Uninstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotInstalled
	}
	err := s.port.Close()
	s.port = nil
	s.state = StateStopped
	s.pending, s.rxq = nil, nil
	return err
}

func (s *SLCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotInstalled
	}
	if err := s.command([]byte("O\r")); err != nil {
		return fmt.Errorf("slcan: open channel: %w", err)
	}
	s.state = StateRunning
	return nil
}

func (s *SLCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.state == StateStopped {
		return ErrNotRunning
	}
	s.state = StateStopped
	if err := s.command([]byte("C\r")); err != nil {
		return fmt.Errorf("slcan: close channel: %w", err)
	}
	return nil
}

func (s *SLCAN) Transmit(f Frame, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.port == nil || s.state == StateStopped:
		return ErrNotRunning
	case s.state == StateBusOff:
		return ErrBusOff
	}
	if _, err := s.port.Write(encodeSLCAN(f)); err != nil {
		s.txErrs++
		return fmt.Errorf("slcan: write: %w", err)
	}
	if err := s.awaitAck(timeout); err != nil {
		s.txErrs++
		return fmt.Errorf("slcan: transmit %03X: %w", f.ID, err)
	}
	return nil
}

func (s *SLCAN) Receive(timeout time.Duration) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.state != StateRunning {
		return Frame{}, ErrNotRunning
	}

	deadline := time.Now().Add(timeout)
	for {
		if len(s.rxq) > 0 {
			f := s.rxq[0]
			s.rxq = s.rxq[1:]
			return f, nil
		}
		if !time.Now().Before(deadline) {
			return Frame{}, ErrTimeout
		}
		if _, err := s.fill(); err != nil {
			return Frame{}, err
		}
		s.splitLines(nil)
	}
}

func (s *SLCAN) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return Status{}, ErrNotInstalled
	}
	st := Status{
		State:        s.state,
		RxPending:    len(s.rxq),
		TxErrorCount: s.txErrs,
		RxErrorCount: s.rxErrs,
	}
	if s.state != StateRunning {
		return st, nil
	}

	if _, err := s.port.Write([]byte("F\r")); err != nil {
		return st, fmt.Errorf("slcan: status: %w", err)
	}
	if err := s.awaitAck(slcanCmdTimeout); err != nil {
		s.log.Debug().Err(err).Msg("status flags unavailable")
		return st, nil
	}
	if s.flags&slcanFlagBusError != 0 {
		s.state = StateBusOff
		st.State = StateBusOff
	}
	if s.flags&slcanFlagTxFull != 0 {
		st.TxPending = s.rxCap
	}
	if s.flags&slcanFlagRxFull != 0 {
		st.RxPending = s.rxCap
	}
	if s.flags&slcanFlagErrPassive != 0 {
		s.log.Warn().Msg("adapter reports error passive")
	}
	return st, nil
}

// InitiateRecovery closes the channel; the adapter resets its error state
// and Start reopens it.
func (s *SLCAN) InitiateRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotInstalled
	}
	_, _ = s.port.Write([]byte("C\r"))
	s.drain()
	s.state = StateStopped
	s.txErrs, s.rxErrs, s.flags = 0, 0, 0
	return nil
}

// ClearTransmitQueue is a no-op: the adapter does not expose its queue.
func (s *SLCAN) ClearTransmitQueue() error { return nil }

func (s *SLCAN) ClearReceiveQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxq = nil
	if s.port != nil {
		s.drain()
	}
	return nil
}

// command writes cmd and waits for the adapter's acknowledgement.
func (s *SLCAN) command(cmd []byte) error {
	if _, err := s.port.Write(cmd); err != nil {
		return err
	}
	return s.awaitAck(slcanCmdTimeout)
}

// awaitAck reads until an acknowledgement, a rejection or the timeout.
// Frames received in between are queued for Receive.
func (s *SLCAN) awaitAck(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var result error
		done := false
		s.splitLines(func(ack bool) {
			if !done {
				done = true
				if !ack {
					result = errSLCANNack
				}
			}
		})
		if done {
			return result
		}
		if _, err := s.fill(); err != nil {
			return err
		}
	}
	return ErrTimeout
}

// fill reads whatever the port has into the pending buffer.
func (s *SLCAN) fill() (int, error) {
	buf := make([]byte, 128)
	n, err := s.port.Read(buf)
	if err != nil && n == 0 {
		s.rxErrs++
		return 0, fmt.Errorf("slcan: read: %w", ErrClosed)
	}
	s.pending = append(s.pending, buf[:n]...)
	return n, nil
}

// splitLines consumes complete lines from the pending buffer. Frame lines
// are queued; acknowledgements and rejections are reported to onAck.
func (s *SLCAN) splitLines(onAck func(ack bool)) {
	for {
		i := bytes.IndexAny(s.pending, "\r\a")
		if i < 0 {
			return
		}
		line, term := s.pending[:i], s.pending[i]
		s.pending = s.pending[i+1:]

		if term == slcanNack {
			if onAck != nil {
				onAck(false)
			}
			continue
		}
		switch {
		case len(line) == 0 || (len(line) == 1 && (line[0] == 'z' || line[0] == 'Z')):
			if onAck != nil {
				onAck(true)
			}
		case line[0] == 'F' && len(line) == 3:
			if v, err := strconv.ParseUint(string(line[1:]), 16, 8); err == nil {
				s.flags = byte(v)
			}
			if onAck != nil {
				onAck(true)
			}
		case line[0] == 't':
			f, err := parseSLCAN(line)
			if err != nil {
				s.rxErrs++
				s.log.Debug().Err(err).Msgf("bad line % X", line)
				continue
			}
			if len(s.rxq) >= s.rxCap {
				s.rxq = s.rxq[1:]
			}
			s.rxq = append(s.rxq, f)
		default:
			s.log.Debug().Msgf("ignored line %q", line)
		}
	}
}

// drain discards input until the adapter goes quiet.
func (s *SLCAN) drain() {
	s.pending = nil
	_ = s.port.ResetInputBuffer()
	buf := make([]byte, 256)
	total := 0
	deadline := time.Now().Add(slcanDrainTime)
	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		s.log.Debug().Int("bytes", total).Msg("drained")
	}
}

const hexDigits = "0123456789ABCDEF"

// encodeSLCAN renders a standard data frame as "tIIIL<data>\r".
func encodeSLCAN(f Frame) []byte {
	out := make([]byte, 0, 5+2*8+1)
	out = append(out, 't',
		hexDigits[(f.ID>>8)&0xF], hexDigits[(f.ID>>4)&0xF], hexDigits[f.ID&0xF],
		hexDigits[f.Len&0xF])
	for _, b := range f.Payload() {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
	}
	return append(out, '\r')
}

// parseSLCAN decodes a "tIIIL<data>" line without its terminator.
func parseSLCAN(line []byte) (Frame, error) {
	if len(line) < 5 || line[0] != 't' {
		return Frame{}, fmt.Errorf("slcan: malformed frame %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:4]), 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: identifier %q: %w", line[1:4], err)
	}
	n := int(line[4] - '0')
	if n < 0 || n > 8 {
		return Frame{}, ErrInvalidLen
	}
	if len(line) != 5+2*n {
		return Frame{}, fmt.Errorf("slcan: length %d does not match %d data bytes", n, (len(line)-5)/2)
	}
	f := Frame{ID: uint32(id), Len: uint8(n)}
	for i := 0; i < n; i++ {
		v, err := strconv.ParseUint(string(line[5+2*i:7+2*i]), 16, 8)
		if err != nil {
			return Frame{}, fmt.Errorf("slcan: data byte %d: %w", i, err)
		}
		f.Data[i] = byte(v)
	}
	return f, f.Validate()
}

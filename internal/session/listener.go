package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/vin"
)

// Receiver is the receive side of the frame transport.
type Receiver interface {
	Receive(timeout time.Duration) (can.Frame, error)
}

// Noter takes the latest status line without recording it in history.
type Noter interface {
	Note(msg string)
}

// Listener is the receive task. It hands every frame to all pipelines;
// each pipeline keeps only the frames of its own target.
type Listener struct {
	rx        Receiver
	pipelines []*vin.Pipeline
	stop      *Flag
	board     Noter
	timeout   time.Duration
	yield     time.Duration
	log       zerolog.Logger
}

// NewListener creates the receive task. board may be nil.
func NewListener(rx Receiver, stop *Flag, board Noter, cfg Config, pipelines ...*vin.Pipeline) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		rx:        rx,
		pipelines: pipelines,
		stop:      stop,
		board:     board,
		timeout:   cfg.ReceiveTimeout,
		yield:     cfg.ReceiveYield,
		log:       log.With().Str("component", "listener").Logger(),
	}
}

// Run receives until the stop flag is set or ctx is done.
func (l *Listener) Run(ctx context.Context) {
	l.log.Debug().Msg("receive task started")
	defer l.log.Debug().Msg("receive task stopped")

	for {
		if l.stop.IsSet() || ctx.Err() != nil {
			return
		}

		pause := l.yield
		f, err := l.rx.Receive(l.timeout)
		switch {
		case err == nil:
			for _, p := range l.pipelines {
				p.Feed(f)
			}
			if l.board != nil {
				l.board.Note("Last frame: " + f.String())
			}
		case errors.Is(err, can.ErrTimeout):
			// bus silence
		default:
			// The driver is down, most likely being reinitialized.
			l.log.Debug().Err(err).Msg("receive failed")
			pause = l.timeout
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stop.Done():
			return
		case <-time.After(pause):
		}
	}
}

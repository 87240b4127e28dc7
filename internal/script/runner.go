package script

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/can"
)

// DefaultSpacing is the pause after every frame of a sequence.
const DefaultSpacing = 100 * time.Millisecond

// Sender transmits one frame, retrying as it sees fit.
type Sender interface {
	Send(ctx context.Context, f can.Frame) error
}

// StopFlag reports whether a stop was requested.
type StopFlag interface {
	IsSet() bool
}

// Runner transmits sequences frame by frame.
type Runner struct {
	sender  Sender
	stop    StopFlag
	spacing time.Duration
	log     zerolog.Logger
}

// NewRunner creates a runner. A spacing of zero uses DefaultSpacing.
func NewRunner(sender Sender, stop StopFlag, spacing time.Duration) *Runner {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Runner{
		sender:  sender,
		stop:    stop,
		spacing: spacing,
		log:     log.With().Str("component", "script").Logger(),
	}
}

// Run sends every frame of seq, pausing the spacing after each. The stop
// flag is checked before each frame; once it is set Run returns nil without
// sending. Transmit failures are logged and the sequence continues. Only a
// cancelled ctx is returned as an error.
func (r *Runner) Run(ctx context.Context, seq Sequence) error {
	for i, payload := range seq.Frames {
		if r.stop != nil && r.stop.IsSet() {
			return nil
		}
		f := can.NewFrame(seq.ID, payload...)
		if err := r.sender.Send(ctx, f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Str("sequence", seq.Name).Int("frame", i).Msg("frame not sent")
		} else {
			r.log.Debug().Str("sequence", seq.Name).Str("frame", f.String()).Msg("sent")
		}

		t := time.NewTimer(r.spacing)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/script"
)

// Communicator is the transmit task of the VIN capture phase. It sends the
// null frame once, then repeats the unlock handshake of every target whose
// VIN is still unknown.
type Communicator struct {
	runner   *script.Runner
	ids      script.IDs
	flags    *Flags
	interval time.Duration
	log      zerolog.Logger
}

func NewCommunicator(runner *script.Runner, ids script.IDs, flags *Flags, cfg Config) *Communicator {
	cfg = cfg.withDefaults()
	return &Communicator{
		runner:   runner,
		ids:      ids,
		flags:    flags,
		interval: cfg.UnlockInterval,
		log:      log.With().Str("component", "communicator").Logger(),
	}
}

// Run transmits until both VINs are known, the stop flag is set or ctx is
// done.
func (c *Communicator) Run(ctx context.Context) {
	c.log.Debug().Msg("transmit task started")
	defer c.log.Debug().Msg("transmit task stopped")

	if err := c.runner.Run(ctx, script.Null(c.ids)); err != nil {
		return
	}

	for round := 1; ; round++ {
		if c.flags.Stop.IsSet() || c.flags.BothReady() {
			return
		}
		if !c.flags.VehicleReady.IsSet() {
			if err := c.runner.Run(ctx, script.VehicleUnlock(c.ids)); err != nil {
				return
			}
		}
		if !c.flags.ColumnReady.IsSet() {
			if err := c.runner.Run(ctx, script.ColumnUnlock(c.ids)); err != nil {
				return
			}
		}
		if round%10 == 0 {
			c.log.Info().Int("round", round).
				Bool("vehicle", c.flags.VehicleReady.IsSet()).
				Bool("column", c.flags.ColumnReady.IsSet()).
				Msg("still waiting for VINs")
		}

		select {
		case <-ctx.Done():
			return
		case <-c.flags.Stop.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

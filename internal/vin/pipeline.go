package vin

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/can"
)

// Segment control bytes of a VIN answer.
const (
	FirstSegment  = 0x10 // 4 VIN bytes at offset 4
	SecondSegment = 0x21 // 7 VIN bytes at offset 1
	LastSegment   = 0x22 // 6 VIN bytes at offset 1
)

// Target identifies one ECU whose VIN is tracked.
type Target struct {
	Name       string
	ResponseID uint32
	Prefix     string // required VIN prefix, empty for none
}

// Signal is the ready flag a pipeline sets once its VIN is known.
type Signal interface {
	Set()
	IsSet() bool
}

// Publisher receives human-readable status lines.
type Publisher interface {
	Publish(msg string)
}

// Pipeline reassembles the VIN of one target. Feed is called by a single
// receive task; VIN and Accumulated may be called from anywhere.
type Pipeline struct {
	target Target
	ready  Signal
	pub    Publisher
	log    zerolog.Logger

	mu  sync.Mutex
	buf Buffer
	vin string
}

// NewPipeline creates a pipeline for t. pub may be nil.
func NewPipeline(t Target, ready Signal, pub Publisher) *Pipeline {
	return &Pipeline{
		target: t,
		ready:  ready,
		pub:    pub,
		log:    log.With().Str("component", "vin").Str("target", t.Name).Logger(),
	}
}

// Feed consumes one frame. Frames for other identifiers, and every frame
// once the target's ready flag is set, are ignored.
func (p *Pipeline) Feed(f can.Frame) {
	if f.ID != p.target.ResponseID || p.ready.IsSet() {
		return
	}
	data := f.Payload()
	if len(data) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch data[0] {
	case FirstSegment:
		if len(data) < 8 {
			return
		}
		p.buf.Reset()
		p.buf.Append(data[4:8])
	case SecondSegment:
		if len(data) != 8 {
			return
		}
		p.buf.Append(data[1:8])
	case LastSegment:
		if len(data) != 8 {
			return
		}
		p.buf.Append(data[1:7])
	default:
		return
	}

	if !p.buf.Full() {
		return
	}
	candidate := p.buf.String()
	p.buf.Reset()

	if err := Validate(candidate, p.target.Prefix); err != nil {
		p.log.Warn().Err(err).Str("candidate", fmt.Sprintf("%q", candidate)).Msg("discarding VIN candidate")
		return
	}
	p.vin = candidate
	p.ready.Set()
	p.log.Info().Str("vin", candidate).Msg("VIN received")
	if p.pub != nil {
		p.pub.Publish(fmt.Sprintf("%s VIN: %s", p.target.Name, candidate))
	}
}

// VIN returns the validated VIN, if any.
func (p *Pipeline) VIN() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vin, p.vin != ""
}

// Accumulated returns the number of bytes collected for the current
// candidate.
func (p *Pipeline) Accumulated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

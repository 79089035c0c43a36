package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrRelayFault = errors.New("audio: relay fault")

// Sink receives normalized frames.
type Sink interface {
	WriteFrame(f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Frame) error

func (fn SinkFunc) WriteFrame(f Frame) error { return fn(f) }

// Observer is notified about relay activity. Implementations must be safe for
// concurrent use.
type Observer interface {
	FrameRelayed(direction string)
	FrameDropped(direction, reason string)
	SilenceInserted(direction string, d time.Duration)
	RelayFault(direction string)
}

type nopObserver struct{}

func (nopObserver) FrameRelayed(string)                   {}
func (nopObserver) FrameDropped(string, string)           {}
func (nopObserver) SilenceInserted(string, time.Duration) {}
func (nopObserver) RelayFault(string)                     {}

// PumpConfig configures one direction of the relay.
type PumpConfig struct {
	Direction string
	Target    Format
	// QueueSize bounds frames waiting for normalization. Frames pushed into a
	// full queue are dropped.
	QueueSize int
	// MaxGap is the largest source gap that is re-based instead of filled.
	MaxGap time.Duration
	// SilenceCap limits the silence inserted for a single gap.
	SilenceCap time.Duration
	// MaxFaults is the number of consecutive normalization failures after
	// which Run gives up with ErrRelayFault. Zero disables the limit.
	MaxFaults int
	Logger    *zap.Logger
	Observer  Observer
}

// Pump moves frames from one peer to the other: it normalizes every frame to
// the target format, keeps a continuous outbound timeline and hands frames to
// the sink in arrival order.
type Pump struct {
	cfg   PumpConfig
	sink  Sink
	queue chan Frame
	log   *zap.Logger
	obs   Observer
	conv  *Converter

	dropLog  rate.Sometimes
	faultLog rate.Sometimes

	// owned by Run
	started  bool
	expected time.Duration
	out      time.Duration
	faults   int
}

func NewPump(cfg PumpConfig, sink Sink) *Pump {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SilenceCap <= 0 {
		cfg.SilenceCap = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pump{
		cfg:      cfg,
		sink:     sink,
		queue:    make(chan Frame, cfg.QueueSize),
		log:      log.With(zap.String("direction", cfg.Direction)),
		obs:      obs,
		conv:     NewConverter(cfg.Target),
		dropLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		faultLog: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// Push offers a frame to the pump without blocking. Zero-length frames and
// frames arriving while the queue is full are dropped.
func (p *Pump) Push(f Frame) bool {
	if f.Empty() {
		p.obs.FrameDropped(p.cfg.Direction, "empty")
		return false
	}
	select {
	case p.queue <- f:
		return true
	default:
		p.obs.FrameDropped(p.cfg.Direction, "backpressure")
		p.dropLog.Do(func() {
			p.log.Warn("relay queue full, dropping frame", zap.Int("queue", cap(p.queue)))
		})
		return false
	}
}

// Run pumps until ctx is done. It returns ErrRelayFault when normalization
// keeps failing past the configured threshold.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.queue:
			if err := p.relay(f); err != nil {
				return err
			}
		}
	}
}

func (p *Pump) relay(f Frame) error {
	nf, err := p.conv.Convert(f)
	if err != nil {
		p.faults++
		p.obs.RelayFault(p.cfg.Direction)
		p.faultLog.Do(func() {
			p.log.Warn("dropping frame that cannot be normalized", zap.Error(err), zap.Stringer("from", f.Format), zap.Stringer("to", p.cfg.Target))
		})
		if p.cfg.MaxFaults > 0 && p.faults >= p.cfg.MaxFaults {
			return fmt.Errorf("%w: %d consecutive frames failed (%s): %v", ErrRelayFault, p.faults, p.cfg.Direction, err)
		}
		return nil
	}
	p.faults = 0
	if nf.Empty() {
		p.obs.FrameDropped(p.cfg.Direction, "empty")
		return nil
	}

	if p.started {
		gap := f.Timestamp - p.expected
		if p.cfg.MaxGap > 0 && gap > p.cfg.MaxGap {
			p.fillSilence(gap)
		}
		// Smaller gaps are re-based: the outbound timeline simply continues.
	}
	p.started = true
	p.expected = f.Timestamp + f.Duration()

	nf.Timestamp = p.out
	p.out += nf.Duration()
	p.write(nf)
	return nil
}

// fillSilence inserts whole frames of silence for a gap, capped so a long
// pause does not turn into queued latency.
func (p *Pump) fillSilence(gap time.Duration) {
	if gap > p.cfg.SilenceCap {
		gap = p.cfg.SilenceCap
	}
	n := int(gap / FrameDuration)
	for i := 0; i < n; i++ {
		s := Silence(p.cfg.Target, FrameDuration, p.out)
		p.out += FrameDuration
		p.write(s)
	}
	if n > 0 {
		p.obs.SilenceInserted(p.cfg.Direction, time.Duration(n)*FrameDuration)
	}
}

func (p *Pump) write(f Frame) {
	if err := p.sink.WriteFrame(f); err != nil {
		p.obs.FrameDropped(p.cfg.Direction, "sink")
		p.dropLog.Do(func() {
			p.log.Warn("sink rejected frame", zap.Error(err))
		})
		return
	}
	p.obs.FrameRelayed(p.cfg.Direction)
}

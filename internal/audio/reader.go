package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RTPReader is the part of a remote WebRTC track the reader needs.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Decoder turns one Opus payload into interleaved PCM and returns the
// number of samples per channel.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// maxOpusFrame is the longest packet duration Opus allows.
const maxOpusFrame = 120 * time.Millisecond

// TrackReader decodes an inbound Opus track into timestamped frames. Frame
// timestamps follow the RTP clock, so packet loss shows up as gaps the pump
// can re-base or fill.
type TrackReader struct {
	src       RTPReader
	dec       Decoder
	format    Format
	clockRate uint32
	log       *zap.Logger
	errLog    rate.Sometimes

	started bool
	last    uint32
	elapsed uint64
}

// NewTrackReader creates a reader decoding src into format.
func NewTrackReader(src RTPReader, format Format, clockRate uint32, log *zap.Logger) (*TrackReader, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder %s: %w", format, err)
	}
	return newTrackReader(src, dec, format, clockRate, log), nil
}

func newTrackReader(src RTPReader, dec Decoder, format Format, clockRate uint32, log *zap.Logger) *TrackReader {
	if clockRate == 0 {
		clockRate = 48000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackReader{
		src:       src,
		dec:       dec,
		format:    format,
		clockRate: clockRate,
		log:       log,
		errLog:    rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// Run reads until the track ends or ctx is done, handing each decoded frame
// to emit in arrival order. A closed track is not an error.
func (r *TrackReader) Run(ctx context.Context, emit func(Frame)) error {
	pcm := make([]int16, r.format.Samples(maxOpusFrame))
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		ts, ok := r.timestamp(pkt.Timestamp)
		if !ok {
			continue
		}
		n, err := r.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			r.errLog.Do(func() { r.log.Warn("opus decode failed", zap.Error(err)) })
			continue
		}
		if n <= 0 {
			continue
		}
		samples := make([]int16, n*r.format.Channels)
		copy(samples, pcm)
		emit(Frame{Samples: samples, Format: r.format, Timestamp: ts})
	}
}

// timestamp extends the 32-bit RTP clock and converts it to an offset from
// the first packet. Late packets are rejected.
func (r *TrackReader) timestamp(rtpTS uint32) (time.Duration, bool) {
	if !r.started {
		r.started = true
		r.last = rtpTS
		return 0, true
	}
	delta := rtpTS - r.last
	if int32(delta) < 0 {
		return 0, false
	}
	r.last = rtpTS
	r.elapsed += uint64(delta)
	clock := uint64(r.clockRate)
	secs, rem := r.elapsed/clock, r.elapsed%clock
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/clock), true
}

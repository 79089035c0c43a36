package audio

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnsupportedLayout = errors.New("audio: unsupported channel layout")

// Mix converts interleaved samples between channel counts. Down-mixing to
// mono averages all channels; up-mixing from mono duplicates the channel.
// Other conversions are rejected.
func Mix(samples []int16, from, to int) ([]int16, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d channels", ErrUnsupportedLayout, from, to)
	}
	if len(samples)%from != 0 {
		return nil, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrUnsupportedLayout, len(samples), from)
	}
	if from == to {
		return samples, nil
	}
	n := len(samples) / from
	switch {
	case to == 1:
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			var sum int32
			for c := 0; c < from; c++ {
				sum += int32(samples[i*from+c])
			}
			out[i] = int16(sum / int32(from))
		}
		return out, nil
	case from == 1:
		out := make([]int16, n*to)
		for i := 0; i < n; i++ {
			for c := 0; c < to; c++ {
				out[i*to+c] = samples[i]
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d -> %d channels", ErrUnsupportedLayout, from, to)
	}
}

// Resampler converts one continuous stream of interleaved samples between
// sample rates. State carries across calls, so frame boundaries are
// seamless: whole-factor down-sampling averages each block of input samples,
// other ratios interpolate linearly against the previous frame's last
// sample. Output lags the input by at most one input sample.
type Resampler struct {
	channels int
	from, to int
	factor   int // from/to when down-sampling by a whole factor

	// phase is the next output position in units of 1/to input samples,
	// relative to the start of the next frame.
	phase   int64
	prev    []int16
	pending []int16
}

func NewResampler(channels, from, to int) *Resampler {
	r := &Resampler{channels: channels, from: from, to: to, phase: -int64(to)}
	if to > 0 && to < from && from%to == 0 {
		r.factor = from / to
	}
	return r
}

// Process converts the next chunk of the stream.
func (r *Resampler) Process(samples []int16) []int16 {
	if r.from == r.to || r.channels <= 0 || r.from <= 0 || r.to <= 0 {
		return samples
	}
	if r.factor > 0 {
		return r.decimate(samples)
	}
	return r.interpolate(samples)
}

func (r *Resampler) decimate(samples []int16) []int16 {
	ch, m := r.channels, r.factor
	in := samples
	if len(r.pending) > 0 {
		in = make([]int16, 0, len(r.pending)+len(samples))
		in = append(append(in, r.pending...), samples...)
	}
	blocks := len(in) / ch / m
	out := make([]int16, blocks*ch)
	for j := 0; j < blocks; j++ {
		for c := 0; c < ch; c++ {
			var sum int32
			for k := 0; k < m; k++ {
				sum += int32(in[(j*m+k)*ch+c])
			}
			out[j*ch+c] = clamp16(float64(sum) / float64(m))
		}
	}
	r.pending = append(r.pending[:0], in[blocks*m*ch:]...)
	return out
}

func (r *Resampler) interpolate(samples []int16) []int16 {
	ch := r.channels
	n := len(samples) / ch
	if n == 0 {
		return nil
	}
	if r.prev == nil {
		r.prev = append([]int16(nil), samples[:ch]...)
	}
	at := func(i, c int) float64 {
		if i < 0 {
			return float64(r.prev[c])
		}
		return float64(samples[i*ch+c])
	}

	from, to := int64(r.from), int64(r.to)
	end := int64(n-1) * to
	var out []int16
	if end > r.phase {
		out = make([]int16, 0, int((end-r.phase)/from+1)*ch)
	}
	p := r.phase
	for ; p < end; p += from {
		idx := floorDiv(p, to)
		frac := float64(p-idx*to) / float64(to)
		for c := 0; c < ch; c++ {
			a, b := at(int(idx), c), at(int(idx)+1, c)
			out = append(out, clamp16(a+(b-a)*frac))
		}
	}
	r.phase = p - int64(n)*to
	copy(r.prev, samples[(n-1)*ch:n*ch])
	return out
}

// Converter re-emits a stream of frames in one target format. Resampler
// state is kept per source format and restarts when the source changes.
type Converter struct {
	target Format
	source Format
	rs     *Resampler
}

func NewConverter(target Format) *Converter { return &Converter{target: target} }

// Convert returns f in the target format. The timestamp is preserved.
func (c *Converter) Convert(f Frame) (Frame, error) {
	if !f.Format.Valid() || !c.target.Valid() {
		return Frame{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedLayout, f.Format, c.target)
	}
	if len(f.Samples)%f.Format.Channels != 0 {
		return Frame{}, fmt.Errorf("%w: ragged frame", ErrUnsupportedLayout)
	}
	if f.Format == c.target {
		return f, nil
	}
	if f.Format != c.source || c.rs == nil {
		c.source = f.Format
		c.rs = NewResampler(min(f.Format.Channels, c.target.Channels), f.Format.SampleRate, c.target.SampleRate)
	}

	samples := f.Samples
	var err error
	// Fewer channels first keeps the resampler cheap; more channels last.
	if c.target.Channels < f.Format.Channels {
		if samples, err = Mix(samples, f.Format.Channels, c.target.Channels); err != nil {
			return Frame{}, err
		}
		samples = c.rs.Process(samples)
	} else {
		samples = c.rs.Process(samples)
		if samples, err = Mix(samples, f.Format.Channels, c.target.Channels); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Samples: samples, Format: c.target, Timestamp: f.Timestamp}, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

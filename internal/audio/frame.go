package audio

import (
	"fmt"
	"time"
)

// FrameDuration is the packetization interval used on every outbound track.
const FrameDuration = 20 * time.Millisecond

// Format describes the PCM layout a peer produces or requires.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string { return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels) }

// Valid reports whether the format can carry audio at all.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// Samples returns the number of interleaved samples covering d.
func (f Format) Samples(d time.Duration) int {
	return int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels
}

// Frame is a chunk of interleaved signed 16-bit PCM. Frames are treated as
// immutable once produced; consumers copy before mutating.
type Frame struct {
	Samples   []int16
	Format    Format
	Timestamp time.Duration
}

// Len returns the number of samples per channel.
func (f Frame) Len() int {
	if f.Format.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Format.Channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.Len()) * int64(time.Second) / int64(f.Format.SampleRate))
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return f.Len() == 0 }

// Silence returns a zeroed frame of duration d.
func Silence(format Format, d time.Duration, ts time.Duration) Frame {
	return Frame{Samples: make([]int16, format.Samples(d)), Format: format, Timestamp: ts}
}

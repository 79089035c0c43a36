package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

var (
	ErrWriterClosed   = errors.New("audio: paced writer closed")
	ErrFormatMismatch = errors.New("audio: frame format mismatch")
)

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// PacedWriter encodes PCM in one fixed format to Opus and writes one 20ms
// sample per tick to a WebRTC track, so the far end hears real time rather
// than bursts.
type PacedWriter struct {
	enc          encoder
	track        sampleWriter
	format       Format
	frameSamples int
	pcmBuf       []int16
	frames       chan []byte
	stopCh       chan struct{}
	done         chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewPacedWriter constructs a paced writer for the given format and starts
// its pacer.
func NewPacedWriter(track sampleWriter, format Format) (*PacedWriter, error) {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder %s: %w", format, err)
	}
	w := newPacedWriter(enc, track, format, 512)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc encoder, track sampleWriter, format Format, queue int) *PacedWriter {
	return &PacedWriter{
		enc:          enc,
		track:        track,
		format:       format,
		frameSamples: format.Samples(FrameDuration),
		frames:       make(chan []byte, queue),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Format returns the PCM layout the writer accepts.
func (w *PacedWriter) Format() Format { return w.format }

// WriteFrame implements Sink. It blocks while the pacer queue is full.
func (w *PacedWriter) WriteFrame(f Frame) error {
	if f.Format != w.format {
		return fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, f.Format, w.format)
	}
	return w.WritePCM(f.Samples)
}

// WritePCM buffers interleaved samples and queues every full frame.
func (w *PacedWriter) WritePCM(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pcmBuf = append(w.pcmBuf, samples...)
	var pkts [][]byte
	for len(w.pcmBuf) >= w.frameSamples {
		if pkt := w.encode(w.pcmBuf[:w.frameSamples]); pkt != nil {
			pkts = append(pkts, pkt)
		}
		n := copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:n]
	}
	w.mu.Unlock()
	for _, pkt := range pkts {
		if !w.pushFrame(pkt) {
			return ErrWriterClosed
		}
	}
	return nil
}

// Reset drops queued frames and buffered PCM, used when playback is
// interrupted.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer. Queued frames are discarded.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

// Done is closed once the pacer goroutine has exited.
func (w *PacedWriter) Done() <-chan struct{} { return w.done }

func (w *PacedWriter) encode(frame []int16) []byte {
	buf := make([]byte, 4000)
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

func (w *PacedWriter) pacer() {
	defer close(w.done)
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: FrameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or the
// writer stops.
func (w *PacedWriter) pushFrame(pkt []byte) bool {
	select {
	case <-w.stopCh:
		return false
	case w.frames <- pkt:
		return true
	}
}

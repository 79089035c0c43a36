package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
)

// ControlChannel is the label of the browser's optional control data channel.
const ControlChannel = "control"

// Control message kinds.
const (
	ControlInterrupt = "interrupt"
	ControlText      = "text"
)

// ControlMessage is a command received on the control channel.
type ControlMessage struct {
	Kind string
	Text string
}

// Config configures the browser-facing peer.
type Config struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	CloseTimeout  time.Duration
	// InputFormat is the layout the browser microphone is decoded to.
	InputFormat audio.Format
	// OutputFormat is the layout WriteFrame expects for assistant audio.
	OutputFormat audio.Format
	Logger       *zap.Logger
}

// Bridge owns the WebRTC connection to the browser.
type Bridge struct {
	cfg Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	writer    *audio.PacedWriter
	onInbound func(audio.Frame)
	onControl func(ControlMessage)
	closing   bool

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func NewBridge(cfg Config) *Bridge {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 3 * time.Second
	}
	if !cfg.InputFormat.Valid() {
		cfg.InputFormat = audio.Format{SampleRate: 48000, Channels: 2}
	}
	if !cfg.OutputFormat.Valid() {
		cfg.OutputFormat = audio.Format{SampleRate: 48000, Channels: 1}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("component", "downstream")),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// OnInboundAudio registers the consumer of decoded microphone frames. It is
// called from the track reader goroutine and must not block.
func (b *Bridge) OnInboundAudio(fn func(audio.Frame)) {
	b.mu.Lock()
	b.onInbound = fn
	b.mu.Unlock()
}

// OnControl registers the consumer of control channel commands.
func (b *Bridge) OnControl(fn func(ControlMessage)) {
	b.mu.Lock()
	b.onControl = fn
	b.mu.Unlock()
}

// OutputFormat is the layout WriteFrame expects.
func (b *Bridge) OutputFormat() audio.Format { return b.cfg.OutputFormat }

// Done is closed when the browser connection is gone.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// AcceptOffer attaches the assistant-audio track, applies the browser's offer
// and returns an answer that already contains every local ICE candidate.
func (b *Bridge) AcceptOffer(ctx context.Context, offer SessionDescription) (_ SessionDescription, err error) {
	if err := ValidateOffer(offer); err != nil {
		return SessionDescription{}, err
	}
	b.mu.Lock()
	if b.closing || b.pc != nil {
		b.mu.Unlock()
		return SessionDescription{}, errors.New("rtc: bridge already used")
	}
	b.mu.Unlock()

	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: b.cfg.ICEServers})
	if err != nil {
		return SessionDescription{}, err
	}
	b.mu.Lock()
	b.pc = pc
	b.mu.Unlock()

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "agent-audio", "agent")
	if err != nil {
		return SessionDescription{}, err
	}
	sender, err := pc.AddTrack(outTrack)
	if err != nil {
		return SessionDescription{}, err
	}
	b.spawn(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	writer, err := audio.NewPacedWriter(outTrack, b.cfg.OutputFormat)
	if err != nil {
		return SessionDescription{}, err
	}
	b.mu.Lock()
	b.writer = writer
	b.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.log.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			b.doneOnce.Do(func() { close(b.done) })
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		b.log.Debug("ice state", zap.String("state", state.String()))
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlChannel {
			return
		}
		b.log.Info("control channel opened")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd, ok := parseControl(msg.Data)
			if !ok {
				return
			}
			b.mu.Lock()
			fn := b.onControl
			b.mu.Unlock()
			if fn != nil {
				fn(cmd)
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		b.log.Info("remote audio track received", zap.String("codec", remote.Codec().MimeType))
		reader, err := audio.NewTrackReader(remote, b.cfg.InputFormat, remote.Codec().ClockRate, b.log)
		if err != nil {
			b.log.Error("opus decoder", zap.Error(err))
			return
		}
		b.spawn(func() {
			if err := reader.Run(b.ctx, b.emitInbound); err != nil {
				b.log.Debug("microphone reader stopped", zap.Error(err))
			}
		})
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	timer := time.NewTimer(b.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return SessionDescription{}, fmt.Errorf("ice gathering timed out after %s", b.cfg.GatherTimeout)
	case <-ctx.Done():
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// WriteFrame queues assistant audio for paced delivery to the browser.
func (b *Bridge) WriteFrame(f audio.Frame) error {
	b.mu.Lock()
	w := b.writer
	b.mu.Unlock()
	if w == nil {
		return errors.New("rtc: bridge not negotiated")
	}
	return w.WriteFrame(f)
}

// ResetPlayback drops queued assistant audio, used on barge-in.
func (b *Bridge) ResetPlayback() {
	b.mu.Lock()
	w := b.writer
	b.mu.Unlock()
	if w != nil {
		w.Reset()
	}
}

// Close tears down the track and the peer connection. Safe to call more than
// once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		pc, w := b.pc, b.writer
		b.mu.Unlock()

		b.cancel()
		if w != nil {
			w.Close()
		}
		if pc != nil {
			err = pc.Close()
		}
		b.doneOnce.Do(func() { close(b.done) })

		waited := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(b.cfg.CloseTimeout):
			b.log.Warn("downstream goroutines still running after close")
		}
	})
	return err
}

func (b *Bridge) emitInbound(f audio.Frame) {
	b.mu.Lock()
	fn := b.onInbound
	b.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (b *Bridge) spawn(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// parseControl accepts the plain commands older clients send as well as JSON
// messages.
func parseControl(data []byte) (ControlMessage, bool) {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var m struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return ControlMessage{}, false
		}
		switch m.Type {
		case "input_text", "text":
			if strings.TrimSpace(m.Text) == "" {
				return ControlMessage{}, false
			}
			return ControlMessage{Kind: ControlText, Text: m.Text}, true
		case "interrupt", "barge-in", "cancel":
			return ControlMessage{Kind: ControlInterrupt}, true
		}
		return ControlMessage{}, false
	}
	switch strings.ToLower(raw) {
	case "stop", "stop-speaking", "cancel", "barge-in":
		return ControlMessage{Kind: ControlInterrupt}, true
	}
	return ControlMessage{}, false
}

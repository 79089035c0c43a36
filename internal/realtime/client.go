package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: client closed")
)

const (
	// EventsChannel is the data channel label the remote service listens on.
	EventsChannel = "oai-events"

	opusPayloadType = 111
	opusFmtp        = "minptime=10;useinbandfec=1"
)

// Config holds everything needed to open one upstream session.
type Config struct {
	// BaseURL is the signaling endpoint the offer is posted to.
	BaseURL            string
	Credential         string
	Model              string
	Voice              string
	Instructions       string
	Tools              []Tool
	TurnDetection      *TurnDetection
	TranscriptionModel string
	// Greeting asks the assistant to speak first once the session is
	// configured.
	Greeting bool

	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	CloseTimeout  time.Duration
	// ICEDisconnectedTimeout and ICEFailedTimeout control how quickly a lost
	// upstream is detected. Zero keeps the pion defaults.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration

	// InputFormat is the layout PushAudio accepts; OutputFormat is the layout
	// assistant audio is decoded to.
	InputFormat  audio.Format
	OutputFormat audio.Format

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *Config) setDefaults() {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 3 * time.Second
	}
	if !c.InputFormat.Valid() {
		c.InputFormat = audio.Format{SampleRate: 24000, Channels: 1}
	}
	if !c.OutputFormat.Valid() {
		c.OutputFormat = audio.Format{SampleRate: 24000, Channels: 1}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client owns the WebRTC connection to the remote realtime-voice service:
// an outbound user-audio track, the inbound assistant-audio track and the
// event data channel. Inbound audio and events are delivered asynchronously,
// each in arrival order, from internal queues.
type Client struct {
	cfg Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	writer  *audio.PacedWriter
	onAudio func(audio.Frame)
	onEvent func(ServerEvent)
	closing bool
	err     error

	audioQ chan audio.Frame
	eventQ chan queuedEvent
	wg     sync.WaitGroup

	closeOnce sync.Once
	doneOnce  sync.Once
	failOnce  sync.Once
	done      chan struct{}

	dropLog   rate.Sometimes
	decodeLog rate.Sometimes
}

type queuedEvent struct {
	ev       ServerEvent
	terminal bool
}

// New creates an unconnected client.
func New(cfg Config) *Client {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.With(zap.String("component", "upstream")),
		ctx:       ctx,
		cancel:    cancel,
		audioQ:    make(chan audio.Frame, 64),
		eventQ:    make(chan queuedEvent, 256),
		done:      make(chan struct{}),
		dropLog:   rate.Sometimes{First: 3, Interval: 5 * time.Second},
		decodeLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	c.spawn(c.deliverAudio)
	c.spawn(c.deliverEvents)
	return c
}

// OnAudio registers the consumer of decoded assistant audio.
func (c *Client) OnAudio(fn func(audio.Frame)) {
	c.mu.Lock()
	c.onAudio = fn
	c.mu.Unlock()
}

// OnEvent registers the consumer of parsed data-channel events.
func (c *Client) OnEvent(fn func(ServerEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// InputFormat is the PCM layout PushAudio expects.
func (c *Client) InputFormat() audio.Format { return c.cfg.InputFormat }

// Done is closed once the connection is gone, after any terminal error event
// has been delivered.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection failed, if it did.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect negotiates the upstream connection. The offer is sent only after
// local ICE gathering has completed, and Connect returns once the event
// channel is open and the session configuration has been sent. On error all
// partially acquired resources are released.
func (c *Client) Connect(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pc != nil {
		c.mu.Unlock()
		return errors.New("realtime: already connected")
	}
	c.mu.Unlock()

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	api, err := newAPI(c.cfg)
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(), "audio", "voicebridge")
	if err != nil {
		return fmt.Errorf("outbound track: %w", err)
	}
	tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return fmt.Errorf("audio transceiver: %w", err)
	}
	if sender := tr.Sender(); sender != nil {
		c.spawn(func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		})
	}
	writer, err := audio.NewPacedWriter(track, c.cfg.InputFormat)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writer = writer
	c.mu.Unlock()

	pc.OnTrack(c.handleTrack)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug("ice state", zap.String("state", s.String()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fail(ErrorEvent{Kind: "connection", Message: "peer connection failed", Fatal: true})
		case webrtc.PeerConnectionStateClosed:
			c.fail(ErrorEvent{Kind: "connection", Message: "peer connection closed", Fatal: true})
		}
	})

	ordered := true
	dc, err := pc.CreateDataChannel(EventsChannel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("data channel: %w", err)
	}
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	opened := make(chan struct{})
	dc.OnOpen(func() {
		if err := c.send(newSessionUpdate(c.cfg)); err != nil {
			c.log.Warn("session.update failed", zap.Error(err))
		}
		if c.cfg.Greeting {
			if err := c.send(responseCreate); err != nil {
				c.log.Warn("greeting failed", zap.Error(err))
			}
		}
		close(opened)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := DecodeServerEvent(msg.Data)
		if err != nil {
			c.decodeLog.Do(func() { c.log.Warn("dropping event", zap.Error(err)) })
			return
		}
		c.enqueue(queuedEvent{ev: ev})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := waitFor(ctx, gathered, c.cfg.GatherTimeout); err != nil {
		return fmt.Errorf("ice gathering: %w", err)
	}
	local := pc.LocalDescription()
	if local == nil {
		return errors.New("no local description")
	}

	answer, err := c.exchange(ctx, local.SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-opened:
		c.log.Info("upstream connected", zap.String("model", c.cfg.Model))
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange posts the complete offer to the signaling endpoint and returns the
// answer SDP.
func (c *Client) exchange(ctx context.Context, offer string) (string, error) {
	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("signaling url: %w", err)
	}
	if c.cfg.Model != "" {
		q := endpoint.Query()
		q.Set("model", c.cfg.Model)
		endpoint.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if c.cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signaling: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("signaling: read answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("signaling: status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	if len(body) == 0 {
		return "", errors.New("signaling: empty answer")
	}
	return string(body), nil
}

func (c *Client) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	c.log.Info("assistant audio track", zap.String("codec", remote.Codec().MimeType))
	reader, err := audio.NewTrackReader(remote, c.cfg.OutputFormat, remote.Codec().ClockRate, c.log)
	if err != nil {
		c.log.Error("assistant audio decoder", zap.Error(err))
		return
	}
	c.spawn(func() {
		if err := reader.Run(c.ctx, c.emitAudio); err != nil {
			c.log.Debug("assistant audio reader stopped", zap.Error(err))
		}
	})
}

// PushAudio queues user audio for the outbound track. The frame must already
// be in InputFormat.
func (c *Client) PushAudio(f audio.Frame) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WriteFrame(f)
}

// SendFunctionResult answers a function call and asks the model to continue.
// Error results are wrapped as {"error": result}.
func (c *Client) SendFunctionResult(callID, result string, isError bool) error {
	if err := c.send(newFunctionOutput(callID, result, isError)); err != nil {
		return err
	}
	return c.send(responseCreate)
}

// SendText injects a typed user utterance and requests a response.
func (c *Client) SendText(text string) error {
	if err := c.send(newInputText(text)); err != nil {
		return err
	}
	return c.send(responseCreate)
}

// CancelResponse interrupts the assistant's current response.
func (c *Client) CancelResponse() error { return c.send(responseCancel) }

func (c *Client) send(msg any) error {
	c.mu.Lock()
	dc := c.dc
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.SendText(string(b))
}

// Close shuts the data channel and then the peer connection, and waits a
// bounded time for internal goroutines. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		pc, dc, w := c.pc, c.dc, c.writer
		c.mu.Unlock()

		c.cancel()
		if w != nil {
			w.Close()
		}
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			err = pc.Close()
		}
		c.markDone()

		waited := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(c.cfg.CloseTimeout):
			c.log.Warn("upstream goroutines still running after close")
		}
	})
	return err
}

// fail surfaces a terminal connection error through the event queue. Done is
// closed after the event has been handed to the consumer.
func (c *Client) fail(ev ErrorEvent) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		closing := c.closing
		if c.err == nil && !closing {
			c.err = ev
		}
		c.mu.Unlock()
		if closing || !c.enqueue(queuedEvent{ev: ev, terminal: true}) {
			c.markDone()
		}
	})
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) enqueue(q queuedEvent) bool {
	select {
	case c.eventQ <- q:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) emitAudio(f audio.Frame) {
	select {
	case c.audioQ <- f:
	default:
		c.dropLog.Do(func() { c.log.Warn("assistant audio queue full, dropping frame") })
	}
}

func (c *Client) deliverAudio() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.audioQ:
			c.mu.Lock()
			fn := c.onAudio
			c.mu.Unlock()
			if fn != nil {
				fn(f)
			}
		}
	}
}

func (c *Client) deliverEvents() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case q := <-c.eventQ:
			c.mu.Lock()
			fn := c.onEvent
			c.mu.Unlock()
			if fn != nil {
				fn(q.ev)
			}
			if q.terminal {
				c.markDone()
			}
		}
	}
}

// spawn starts fn unless the client is closing.
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func newAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)}
	if cfg.ICEDisconnectedTimeout > 0 || cfg.ICEFailedTimeout > 0 {
		disconnected, failed := cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		if failed <= 0 {
			failed = 25 * time.Second
		}
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(disconnected, failed, 2*time.Second)
		opts = append(opts, webrtc.WithSettingEngine(se))
	}
	return webrtc.NewAPI(opts...), nil
}

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: opusFmtp,
	}
}

func waitFor(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

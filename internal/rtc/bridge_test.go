package rtc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
)

func TestParseControl(t *testing.T) {
	cases := map[string]ControlMessage{
		"stop":                                 {Kind: ControlInterrupt},
		" Barge-In \n":                         {Kind: ControlInterrupt},
		`{"type":"interrupt"}`:                 {Kind: ControlInterrupt},
		`{"type":"input_text","text":"hello"}`: {Kind: ControlText, Text: "hello"},
	}
	for in, want := range cases {
		got, ok := parseControl([]byte(in))
		if !ok || got != want {
			t.Fatalf("%q: got %+v ok=%v", in, got, ok)
		}
	}
	for _, in := range []string{"", "louder", `{"type":"input_text","text":"  "}`, `{"type":`} {
		if _, ok := parseControl([]byte(in)); ok {
			t.Fatalf("%q: expected rejection", in)
		}
	}
}

func TestAcceptOffer_RejectsInvalidOffer(t *testing.T) {
	b := NewBridge(Config{})
	_, err := b.AcceptOffer(context.Background(), SessionDescription{Type: "offer", SDP: videoOffer})
	require.ErrorIs(t, err, ErrInvalidOffer)
	require.Error(t, b.WriteFrame(audio.Silence(b.OutputFormat(), audio.FrameDuration, 0)))
}

func requireNetwork(t *testing.T) {
	t.Helper()
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return
			}
		}
	}
	t.Skip("no non-loopback interface for ICE")
}

// browserPeer plays the part of the browser: one microphone track and the
// control channel.
func browserPeer(t *testing.T) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, *webrtc.DataChannel) {
	t.Helper()
	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterDefaultCodecs())
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "mic", "browser")
	require.NoError(t, err)
	_, err = pc.AddTrack(mic)
	require.NoError(t, err)
	dc, err := pc.CreateDataChannel(ControlChannel, nil)
	require.NoError(t, err)
	return pc, mic, dc
}

func TestAcceptOffer_AnswersWithResolvedCandidates(t *testing.T) {
	requireNetwork(t)

	browser, _, control := browserPeer(t)
	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(browser)
	require.NoError(t, browser.SetLocalDescription(offer))
	<-gathered

	b := NewBridge(Config{})
	defer b.Close()

	controls := make(chan ControlMessage, 4)
	b.OnControl(func(m ControlMessage) { controls <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := b.AcceptOffer(ctx, SessionDescription{Type: "offer", SDP: browser.LocalDescription().SDP})
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	summary, err := Inspect(answer.SDP)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Audio)
	assert.Positive(t, summary.Candidates)

	received := make(chan struct{}, 1)
	browser.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := remote.ReadRTP(); err == nil {
			received <- struct{}{}
		}
	})
	opened := make(chan struct{})
	control.OnOpen(func() { close(opened) })
	require.NoError(t, browser.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("control channel did not open")
	}
	require.NoError(t, control.SendText("barge-in"))
	select {
	case m := <-controls:
		assert.Equal(t, ControlInterrupt, m.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("control message not delivered")
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, b.WriteFrame(audio.Silence(b.OutputFormat(), audio.FrameDuration, time.Duration(i)*audio.FrameDuration)))
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("assistant audio did not reach the browser")
	}

	require.NoError(t, b.Close())
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
}

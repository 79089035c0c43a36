package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
)

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

func TestExchange_PostsCompleteOffer(t *testing.T) {
	var gotAuth, gotType, gotModel, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "v=0\r\nanswer")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Credential: "sk-test", Model: "gpt-realtime"})
	defer c.Close()

	answer, err := c.exchange(context.Background(), "v=0\r\noffer")
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", answer)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/sdp", gotType)
	assert.Equal(t, "gpt-realtime", gotModel)
	assert.Equal(t, "v=0\r\noffer", gotBody)
}

func TestExchange_RejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Credential: "bad"})
	defer c.Close()

	_, err := c.exchange(context.Background(), "v=0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestConnect_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, GatherTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not released after failed connect")
	}
	assert.Error(t, c.PushAudio(audio.Silence(c.InputFormat(), audio.FrameDuration, 0)))
}

func TestSendBeforeConnect(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	defer c.Close()
	assert.ErrorIs(t, c.SendText("hi"), ErrNotConnected)
	assert.ErrorIs(t, c.SendFunctionResult("fc-1", "ok", false), ErrNotConnected)
}

// fakeService answers offers with an in-process pion peer and records what
// the client sends over the event channel.
type fakeService struct {
	t        *testing.T
	messages chan map[string]any
	auth     chan string
	offers   chan string
	greet    string
	// peers, when set, receives the service's peer connection.
	peers chan *webrtc.PeerConnection
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.auth <- r.Header.Get("Authorization")
	offer, _ := io.ReadAll(r.Body)
	f.offers <- string(offer)

	m := &webrtc.MediaEngine{}
	require.NoError(f.t, m.RegisterDefaultCodecs())
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = pc.Close() })
	if f.peers != nil {
		f.peers <- pc
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			var v map[string]any
			if json.Unmarshal(msg.Data, &v) == nil {
				f.messages <- v
				if v["type"] == "session.update" && f.greet != "" {
					_ = dc.SendText(f.greet)
				}
			}
		})
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	require.NoError(f.t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(f.t, pc.SetLocalDescription(answer))
	<-gathered
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, pc.LocalDescription().SDP)
}

func nextMessage(t *testing.T, ch chan map[string]any) map[string]any {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data channel message")
		return nil
	}
}

func TestConnect_ConfiguresSessionAndAnswersFunctionCalls(t *testing.T) {
	requireNetwork(t)

	svc := &fakeService{
		t:        t,
		messages: make(chan map[string]any, 16),
		auth:     make(chan string, 1),
		offers:   make(chan string, 1),
		greet:    `{"type":"response.function_call_arguments.done","call_id":"fc-1","name":"send_to_nested","arguments":"{\"text\":\"hello\"}"}`,
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := New(Config{
		BaseURL:       srv.URL,
		Credential:    "sk-test",
		Voice:         "verse",
		Greeting:      true,
		TurnDetection: &TurnDetection{Type: "server_vad", Threshold: 0.5},
	})
	defer c.Close()

	calls := make(chan FunctionCallRequest, 1)
	c.OnEvent(func(ev ServerEvent) {
		if fc, ok := ev.(FunctionCallRequest); ok {
			calls <- fc
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	assert.Equal(t, "Bearer sk-test", <-svc.auth)
	offer := <-svc.offers
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "a=candidate")
	assert.Contains(t, offer, "m=application")

	update := nextMessage(t, svc.messages)
	assert.Equal(t, "session.update", update["type"])
	session := update["session"].(map[string]any)
	assert.Equal(t, "verse", session["voice"])
	assert.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])

	assert.Equal(t, "response.create", nextMessage(t, svc.messages)["type"])

	var fc FunctionCallRequest
	select {
	case fc = <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("function call not delivered")
	}
	assert.Equal(t, "fc-1", fc.CallID)
	require.NoError(t, c.SendFunctionResult(fc.CallID, "ok", false))

	out := nextMessage(t, svc.messages)
	assert.Equal(t, "conversation.item.create", out["type"])
	item := out["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "fc-1", item["call_id"])
	assert.Equal(t, "ok", item["output"])
	assert.Equal(t, "response.create", nextMessage(t, svc.messages)["type"])

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.True(t, strings.HasPrefix(c.InputFormat().String(), "24000Hz"))
}

func TestClient_ServiceDropReportedBeforeDone(t *testing.T) {
	requireNetwork(t)

	svc := &fakeService{
		t:        t,
		messages: make(chan map[string]any, 16),
		auth:     make(chan string, 1),
		offers:   make(chan string, 1),
		peers:    make(chan *webrtc.PeerConnection, 1),
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := New(Config{
		BaseURL:                srv.URL,
		ICEDisconnectedTimeout: 300 * time.Millisecond,
		ICEFailedTimeout:       time.Second,
	})
	defer c.Close()

	type delivered struct {
		ev         ErrorEvent
		doneBefore bool
	}
	errs := make(chan delivered, 1)
	c.OnEvent(func(ev ServerEvent) {
		e, ok := ev.(ErrorEvent)
		if !ok {
			return
		}
		d := delivered{ev: e}
		select {
		case <-c.Done():
			d.doneBefore = true
		default:
		}
		select {
		case errs <- d:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "session.update", nextMessage(t, svc.messages)["type"])

	peer := <-svc.peers
	_ = peer.Close()

	var got delivered
	select {
	case got = <-errs:
	case <-time.After(10 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.False(t, got.doneBefore, "Done closed before the error event was delivered")
	assert.True(t, got.ev.Fatal)
	assert.Equal(t, "connection", got.ev.Kind)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after the error event")
	}
	var ee ErrorEvent
	require.ErrorAs(t, c.Err(), &ee)
	assert.True(t, ee.Fatal)
}

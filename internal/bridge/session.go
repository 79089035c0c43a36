package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
	"github.com/rodrigowf/agentic-voicebridge/internal/dispatch"
	"github.com/rodrigowf/agentic-voicebridge/internal/events"
	"github.com/rodrigowf/agentic-voicebridge/internal/realtime"
	"github.com/rodrigowf/agentic-voicebridge/internal/rtc"
)

// Relay directions, used as pump and metric labels.
const (
	DirectionMic       = "mic"
	DirectionAssistant = "assistant"
)

const msgSessionNotActive = "session not active"

// Upstream is the connection to the remote realtime-voice service.
type Upstream interface {
	Connect(ctx context.Context) error
	InputFormat() audio.Format
	PushAudio(f audio.Frame) error
	OnAudio(fn func(audio.Frame))
	OnEvent(fn func(realtime.ServerEvent))
	SendFunctionResult(callID, result string, isError bool) error
	SendText(text string) error
	CancelResponse() error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Downstream is the connection to the browser.
type Downstream interface {
	AcceptOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	OutputFormat() audio.Format
	WriteFrame(f audio.Frame) error
	ResetPlayback()
	OnInboundAudio(fn func(audio.Frame))
	OnControl(fn func(rtc.ControlMessage))
	Done() <-chan struct{}
	Close() error
}

// SessionParams are the per-conversation settings a session is created with.
type SessionParams struct {
	ConversationID       string
	Voice                string
	AgentName            string
	SystemPromptOverride string
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	Voice          string    `json:"voice,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	PendingCalls   int       `json:"pending_function_calls"`
}

var errDownstreamGone = errors.New("browser disconnected")

// Session is one conversation's bridge. It is owned by the Manager.
type Session struct {
	id        string
	params    SessionParams
	createdAt time.Time

	mgr  *Manager
	log  *zap.Logger
	up   Upstream
	down Downstream
	disp *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	micPump       *audio.Pump
	assistantPump *audio.Pump
	stopping      bool
	errorRecorded bool
	tasks         sync.WaitGroup
	runDone       chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(m *Manager, id string, params SessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		params:    params,
		createdAt: time.Now().UTC(),
		mgr:       m,
		log: m.log.With(
			zap.String("conversation_id", params.ConversationID),
			zap.String("session_id", id)),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		closed: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state, disp := s.state, s.disp
	s.mu.Unlock()
	snap := Snapshot{
		SessionID:      s.id,
		ConversationID: s.params.ConversationID,
		State:          state,
		Voice:          s.params.Voice,
		AgentName:      s.params.AgentName,
		CreatedAt:      s.createdAt,
	}
	if disp != nil {
		snap.PendingCalls = disp.Pending()
	}
	return snap
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return transitionError{from, to}
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug("session state", zap.String("from", string(from)), zap.String("to", string(to)))
	s.mgr.obs.SessionStateChanged(string(from), string(to))
	return nil
}

// attachUpstream wires upstream callbacks. Called before Connect so events
// sent during the handshake are recorded.
func (s *Session) attachUpstream(up Upstream) {
	disp := dispatch.NewDispatcher(s.mgr.deps.Registry, up, dispatch.Config{
		ConversationID: s.params.ConversationID,
		Timeout:        s.mgr.cfg.FunctionTimeout,
		Logger:         s.log,
		Observer:       s.mgr.obs,
		OnResult: func(call dispatch.Call, res dispatch.Result) {
			s.record(events.TypeFunctionCallResult, events.SourceBridge, map[string]any{
				"call_id":  res.CallID,
				"name":     call.Name,
				"result":   res.Output,
				"is_error": res.IsError,
			})
		},
	})
	s.mu.Lock()
	s.up, s.disp = up, disp
	s.mu.Unlock()
	up.OnEvent(s.handleUpstreamEvent)
	up.OnAudio(func(f audio.Frame) { s.push(DirectionAssistant, f) })
}

func (s *Session) attachDownstream(down Downstream) {
	s.down = down
	down.OnInboundAudio(func(f audio.Frame) { s.push(DirectionMic, f) })
	down.OnControl(s.handleControl)
}

// activate starts the relay and moves the session to active.
func (s *Session) activate() error {
	relay := s.mgr.cfg.Relay
	mic := audio.NewPump(audio.PumpConfig{
		Direction:  DirectionMic,
		Target:     s.up.InputFormat(),
		QueueSize:  relay.QueueSize,
		MaxGap:     relay.MaxGap,
		SilenceCap: relay.SilenceCap,
		MaxFaults:  relay.MaxFaults,
		Logger:     s.log,
		Observer:   s.mgr.obs,
	}, audio.SinkFunc(s.up.PushAudio))
	assistant := audio.NewPump(audio.PumpConfig{
		Direction:  DirectionAssistant,
		Target:     s.down.OutputFormat(),
		QueueSize:  relay.QueueSize,
		MaxGap:     relay.MaxGap,
		SilenceCap: relay.SilenceCap,
		MaxFaults:  relay.MaxFaults,
		Logger:     s.log,
		Observer:   s.mgr.obs,
	}, audio.SinkFunc(s.down.WriteFrame))

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return mic.Run(gctx) })
	g.Go(func() error { return assistant.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.up.Done():
			if err := s.up.Err(); err != nil {
				return err
			}
			return errors.New("upstream closed")
		case <-s.down.Done():
			return errDownstreamGone
		}
	})

	s.mu.Lock()
	s.micPump, s.assistantPump = mic, assistant
	s.runDone = make(chan struct{})
	s.mu.Unlock()

	go func() {
		err := g.Wait()
		close(s.runDone)
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if err == nil || stopping {
			return
		}
		if errors.Is(err, errDownstreamGone) {
			s.log.Info("browser disconnected")
			s.mgr.retire(s, errDownstreamGone.Error(), nil)
			return
		}
		s.log.Warn("session failed", zap.Error(err))
		s.mgr.retire(s, "", err)
	}()
	if err := s.transition(StateActive); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *Session) push(direction string, f audio.Frame) {
	s.mu.Lock()
	active := s.state == StateActive
	p := s.micPump
	if direction == DirectionAssistant {
		p = s.assistantPump
	}
	s.mu.Unlock()
	if !active || p == nil {
		s.mgr.obs.FrameDropped(direction, "inactive")
		return
	}
	p.Push(f)
}

func (s *Session) handleUpstreamEvent(ev realtime.ServerEvent) {
	switch e := ev.(type) {
	case realtime.SessionCreated:
		s.record(events.TypeSessionCreated, events.SourceUpstream, map[string]any{
			"upstream_session_id": e.SessionID,
			"session_id":          s.id,
			"voice":               s.params.Voice,
			"agent_name":          s.params.AgentName,
		})
	case realtime.SessionUpdated:
		s.record(events.TypeSessionUpdated, events.SourceUpstream, map[string]any{
			"upstream_session_id": e.SessionID,
		})
	case realtime.Transcription:
		s.record(events.TypeTranscription, events.SourceUpstream, map[string]any{
			"role":    e.Role,
			"item_id": e.ItemID,
			"text":    e.Text,
			"final":   e.Final,
		})
	case realtime.FunctionCallRequest:
		s.record(events.TypeFunctionCallRequest, events.SourceUpstream, map[string]any{
			"call_id":   e.CallID,
			"name":      e.Name,
			"arguments": e.Arguments,
		})
		s.dispatch(e)
	case realtime.ErrorEvent:
		if e.Fatal {
			s.mu.Lock()
			s.errorRecorded = true
			s.mu.Unlock()
		}
		s.record(events.TypeError, events.SourceUpstream, errorPayload(e.Kind, e.Code, e.Message, e.Fatal))
	case realtime.SpeechStarted:
		// Server VAD already cancels the response; drop what is queued for
		// the browser so the user is not talked over.
		if s.State() == StateActive {
			s.down.ResetPlayback()
		}
	case realtime.ResponseDone:
	case realtime.UnknownEvent:
		s.log.Debug("unhandled upstream event", zap.String("type", e.Type))
	}
}

func (s *Session) dispatch(req realtime.FunctionCallRequest) {
	s.mu.Lock()
	ok := s.state == StateActive && !s.stopping
	if ok {
		s.tasks.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		s.disp.Reject(req.CallID, req.Name, msgSessionNotActive)
		return
	}
	go func() {
		defer s.tasks.Done()
		s.disp.Dispatch(s.ctx, req.CallID, req.Name, req.Arguments)
	}()
}

func (s *Session) handleControl(msg rtc.ControlMessage) {
	if s.State() != StateActive {
		return
	}
	switch msg.Kind {
	case rtc.ControlInterrupt:
		s.down.ResetPlayback()
		if err := s.up.CancelResponse(); err != nil {
			s.log.Debug("response.cancel failed", zap.Error(err))
		}
	case rtc.ControlText:
		if err := s.sendText(msg.Text); err != nil {
			s.log.Warn("typed text not sent", zap.Error(err))
		}
	}
}

func (s *Session) sendText(text string) error {
	if s.State() != StateActive {
		return ErrSessionNotActive
	}
	if err := s.up.SendText(text); err != nil {
		return err
	}
	s.record(events.TypeTranscription, events.SourceDownstream, map[string]any{
		"role":  realtime.RoleUser,
		"text":  text,
		"final": true,
		"typed": true,
	})
	return nil
}

func (s *Session) record(typ events.Type, source events.Source, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.PersistTimeout)
	defer cancel()
	_, _ = s.mgr.deps.Events.Append(ctx, s.params.ConversationID, events.Event{
		Type:    typ,
		Source:  source,
		Payload: events.Payload(payload),
	})
}

// close releases every resource the session holds and records
// session.closed. A non-nil cause marks the session failed and is recorded
// as an error event first, unless the upstream already reported it. Callers
// other than the first block until the first close has finished. Release is
// bounded by CloseTimeout and each record by PersistTimeout.
func (s *Session) close(reason string, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		already := s.errorRecorded
		runDone := s.runDone
		s.mu.Unlock()

		if cause != nil {
			if !already {
				s.record(events.TypeError, events.SourceBridge, errorPayload("session", "", cause.Error(), true))
			}
			_ = s.transition(StateFailed)
		} else {
			_ = s.transition(StateClosing)
		}
		if s.disp != nil {
			if n := s.disp.Abandon(msgSessionNotActive); n > 0 {
				s.log.Info("answered outstanding function calls", zap.Int("count", n))
			}
		}
		s.cancel()

		var wg sync.WaitGroup
		if s.down != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.down.Close()
			}()
		}
		if s.up != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.up.Close()
			}()
		}
		released := make(chan struct{})
		go func() {
			wg.Wait()
			if runDone != nil {
				<-runDone
			}
			s.tasks.Wait()
			close(released)
		}()
		select {
		case <-released:
		case <-time.After(s.mgr.cfg.CloseTimeout):
			s.log.Warn("session resources not released before close timeout")
		}

		if cause == nil {
			_ = s.transition(StateClosed)
		}
		final := s.State()
		if cause != nil {
			reason = cause.Error()
		}
		s.record(events.TypeSessionClosed, events.SourceBridge, map[string]any{
			"session_id":  s.id,
			"final_state": final,
			"reason":      reason,
		})
		s.log.Info("session closed", zap.String("final_state", string(final)))
		close(s.closed)
	})
	<-s.closed
}

func errorPayload(kind, code, message string, fatal bool) map[string]any {
	p := map[string]any{"message": message, "fatal": fatal}
	if kind != "" {
		p["kind"] = kind
	}
	if code != "" {
		p["code"] = code
	}
	return p
}

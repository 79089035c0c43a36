package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigowf/agentic-voicebridge/internal/audio"
	"github.com/rodrigowf/agentic-voicebridge/internal/dispatch"
	"github.com/rodrigowf/agentic-voicebridge/internal/events"
	"github.com/rodrigowf/agentic-voicebridge/internal/rtc"
)

// Observer receives lifecycle, relay and dispatch notifications.
type Observer interface {
	audio.Observer
	dispatch.Observer
	SessionStateChanged(from, to string)
	SessionCreateFinished(result string)
}

type nopObserver struct{}

func (nopObserver) FrameRelayed(string)                   {}
func (nopObserver) FrameDropped(string, string)           {}
func (nopObserver) SilenceInserted(string, time.Duration) {}
func (nopObserver) RelayFault(string)                     {}
func (nopObserver) FunctionCallCompleted(string, string)  {}
func (nopObserver) SessionStateChanged(string, string)    {}
func (nopObserver) SessionCreateFinished(string)          {}

// EventLog is where session events are appended.
type EventLog interface {
	Append(ctx context.Context, conversationID string, ev events.Event) (events.Event, error)
}

// RelayConfig tunes both audio pumps of a session.
type RelayConfig struct {
	QueueSize  int
	MaxGap     time.Duration
	SilenceCap time.Duration
	MaxFaults  int
}

type Config struct {
	ConnectTimeout   time.Duration
	NegotiateTimeout time.Duration
	CloseTimeout     time.Duration
	FunctionTimeout  time.Duration
	PersistTimeout   time.Duration
	Relay            RelayConfig
	Logger           *zap.Logger
	Observer         Observer
}

// Deps are the collaborators a Manager builds sessions from.
type Deps struct {
	NewUpstream   func(SessionParams) Upstream
	NewDownstream func(SessionParams) Downstream
	Events        EventLog
	Registry      *dispatch.Registry
}

// CreateRequest asks for a new bridge for a conversation.
type CreateRequest struct {
	ConversationID       string
	Offer                rtc.SessionDescription
	Voice                string
	AgentName            string
	SystemPromptOverride string
}

// CreateResult is returned once the browser answer is ready.
type CreateResult struct {
	SessionID string
	Answer    rtc.SessionDescription
}

// Manager is the registry of bridge sessions. At most one live session
// exists per conversation; every registry change for a conversation happens
// under that conversation's lock.
type Manager struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	obs  Observer

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*keyLock
	teardown map[string]<-chan struct{} // aborted sessions still releasing
	shutdown bool

	background sync.WaitGroup
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = 10 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 3 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var obs Observer = nopObserver{}
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	if deps.Registry == nil {
		deps.Registry = dispatch.NewRegistry()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      cfg.Logger.With(zap.String("component", "bridge")),
		obs:      obs,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*keyLock),
		teardown: make(map[string]<-chan struct{}),
	}
}

// lock serializes registry mutation for one conversation.
func (m *Manager) lock(conversationID string) func() {
	m.mu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &keyLock{}
		m.locks[conversationID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, conversationID)
		}
		m.mu.Unlock()
	}
}

// CreateOrReplace closes any existing session for the conversation, waits
// for it to release its resources, then connects upstream first and the
// browser second.
func (m *Manager) CreateOrReplace(ctx context.Context, req CreateRequest) (res CreateResult, err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrBadOffer), errors.Is(err, ErrInvalidRequest):
			result = "bad_offer"
		case errors.Is(err, ErrUpstreamUnavailable):
			result = "upstream_unavailable"
		case err != nil:
			result = "error"
		}
		m.obs.SessionCreateFinished(result)
	}()

	if strings.TrimSpace(req.ConversationID) == "" {
		return CreateResult{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	}
	if err := rtc.ValidateOffer(req.Offer); err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}

	unlock := m.lock(req.ConversationID)
	defer unlock()

	m.awaitTeardown(req.ConversationID)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return CreateResult{}, ErrShuttingDown
	}
	prior := m.sessions[req.ConversationID]
	m.mu.Unlock()

	if prior != nil {
		prior.log.Info("replacing session")
		prior.close("replaced", nil)
		m.remove(prior)
	}

	params := SessionParams{
		ConversationID:       req.ConversationID,
		Voice:                req.Voice,
		AgentName:            req.AgentName,
		SystemPromptOverride: req.SystemPromptOverride,
	}
	s := newSession(m, uuid.NewString(), params)
	m.mu.Lock()
	m.sessions[req.ConversationID] = s
	m.mu.Unlock()

	_ = s.transition(StateConnectingUpstream)
	s.attachUpstream(m.deps.NewUpstream(params))
	if err := m.bounded(ctx, m.cfg.ConnectTimeout, s.up.Connect); err != nil {
		m.abort(s, err)
		return CreateResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	_ = s.transition(StateUpstreamReady)

	_ = s.transition(StateNegotiatingDownstream)
	s.attachDownstream(m.deps.NewDownstream(params))
	var answer rtc.SessionDescription
	err = m.bounded(ctx, m.cfg.NegotiateTimeout, func(ctx context.Context) error {
		var err error
		answer, err = s.down.AcceptOffer(ctx, req.Offer)
		return err
	})
	if err != nil {
		m.abort(s, err)
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return CreateResult{}, fmt.Errorf("%w: %v", ErrBadOffer, err)
		}
		return CreateResult{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	if err := s.activate(); err != nil {
		m.abort(s, err)
		return CreateResult{}, err
	}
	s.log.Info("session active", zap.String("voice", params.Voice), zap.String("agent_name", params.AgentName))
	return CreateResult{SessionID: s.id, Answer: answer}, nil
}

// bounded runs fn with a deadline and returns no later than the deadline,
// even if fn does not honour its context.
func (m *Manager) bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}

// abort fails a session that never became active. The session is failed
// and deregistered before returning; connection teardown continues in the
// background and the next caller holding the conversation lock waits for it.
// Must be called with the conversation lock held.
func (m *Manager) abort(s *Session, cause error) {
	s.log.Warn("session setup failed", zap.Error(cause))
	_ = s.transition(StateFailed)
	s.cancel()

	m.mu.Lock()
	if m.sessions[s.params.ConversationID] == s {
		delete(m.sessions, s.params.ConversationID)
	}
	m.teardown[s.params.ConversationID] = s.closed
	m.mu.Unlock()

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		s.close("", cause)
	}()
}

// awaitTeardown blocks until an aborted session of the conversation has
// released its connections, or CloseTimeout elapses. Must be called with the
// conversation lock held.
func (m *Manager) awaitTeardown(conversationID string) {
	m.mu.Lock()
	closed, ok := m.teardown[conversationID]
	delete(m.teardown, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}
	t := time.NewTimer(m.cfg.CloseTimeout)
	defer t.Stop()
	select {
	case <-closed:
	case <-t.C:
		m.log.Warn("aborted session still releasing", zap.String("conversation_id", conversationID))
	}
}

// retire is used by a session that ended on its own.
func (m *Manager) retire(s *Session, reason string, cause error) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		unlock := m.lock(s.params.ConversationID)
		defer unlock()
		s.close(reason, cause)
		m.remove(s)
	}()
}

// remove deletes s from the registry if it is still the registered session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.params.ConversationID] == s {
		delete(m.sessions, s.params.ConversationID)
	}
	m.mu.Unlock()
}

// Stop closes the conversation's session. It reports false when there was
// none.
func (m *Manager) Stop(conversationID string) bool {
	unlock := m.lock(conversationID)
	defer unlock()
	m.awaitTeardown(conversationID)

	m.mu.Lock()
	s := m.sessions[conversationID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.close("stopped", nil)
	m.remove(s)
	return true
}

// Get returns a snapshot of the conversation's session.
func (m *Manager) Get(conversationID string) (Snapshot, bool) {
	m.mu.Lock()
	s := m.sessions[conversationID]
	m.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of all registered sessions ordered by conversation.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// SendText injects a typed utterance into the conversation's session.
func (m *Manager) SendText(conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	m.mu.Lock()
	s := m.sessions[conversationID]
	m.mu.Unlock()
	if s == nil {
		return ErrNotFound
	}
	return s.sendText(text)
}

// Shutdown closes every session and refuses new ones. It returns when all
// sessions are released or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				m.Stop(id)
			}(id)
		}
		wg.Wait()
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all sessions closed", zap.Int("count", len(ids)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rodrigowf/agentic-voicebridge/internal/bridge"
	"github.com/rodrigowf/agentic-voicebridge/internal/events"
	"github.com/rodrigowf/agentic-voicebridge/internal/rtc"
)

// Sessions is the part of the bridge manager exposed over HTTP.
type Sessions interface {
	CreateOrReplace(ctx context.Context, req bridge.CreateRequest) (bridge.CreateResult, error)
	Stop(conversationID string) bool
	Get(conversationID string) (bridge.Snapshot, bool)
	List() []bridge.Snapshot
	SendText(conversationID, text string) error
}

// EventLog serves history and live events.
type EventLog interface {
	List(ctx context.Context, conversationID string, since uint64) ([]events.Event, error)
	Subscribe(conversationID string) *events.Subscription
}

type Options struct {
	AuthToken string
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Logger  *zap.Logger
	// PingInterval keeps event streams alive through proxies.
	PingInterval time.Duration
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo

	sessions Sessions
	events   EventLog
	log      *zap.Logger
	ping     time.Duration
	upgrader websocket.Upgrader
}

type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status string `json:"status"`
}

type createRequest struct {
	ConversationID       string `json:"conversation_id"`
	SDPOffer             string `json:"sdp_offer"`
	Voice                string `json:"voice"`
	AgentName            string `json:"agent_name"`
	SystemPromptOverride string `json:"system_prompt_override"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
	SDPAnswer string `json:"sdp_answer"`
}

type textRequest struct {
	Text string `json:"text"`
}

// New constructs the HTTP server with routes.
func New(sessions Sessions, evs EventLog, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	log := opts.Logger.With(zap.String("component", "http"))
	s := &Server{
		Router:   newEcho(log),
		sessions: sessions,
		events:   evs,
		log:      log,
		ping:     opts.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same-origin is not enforced; the token check guards the stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	e := s.Router
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api/realtime", requireToken(opts.AuthToken))
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:conversation_id", s.getSession)
	api.DELETE("/sessions/:conversation_id", s.stopSession)
	api.POST("/sessions/:conversation_id/text", s.sendText)
	api.GET("/conversations/:conversation_id/events", s.listEvents)
	api.GET("/conversations/:conversation_id/events/stream", s.streamEvents)
	return s
}

// ServeHTTP lets the server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

func (s *Server) createSession(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	res, err := s.sessions.CreateOrReplace(c.Request().Context(), bridge.CreateRequest{
		ConversationID:       req.ConversationID,
		Offer:                rtc.SessionDescription{Type: "offer", SDP: req.SDPOffer},
		Voice:                req.Voice,
		AgentName:            req.AgentName,
		SystemPromptOverride: req.SystemPromptOverride,
	})
	if err != nil {
		s.log.Warn("create session failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return c.JSON(statusFor(err), errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, createResponse{SessionID: res.SessionID, SDPAnswer: res.Answer.SDP})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) getSession(c echo.Context) error {
	snap, ok := s.sessions.Get(c.Param("conversation_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, statusBody{Status: "not_found"})
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) stopSession(c echo.Context) error {
	if !s.sessions.Stop(c.Param("conversation_id")) {
		return c.JSON(http.StatusNotFound, statusBody{Status: "not_found"})
	}
	return c.JSON(http.StatusOK, statusBody{Status: "closed"})
}

func (s *Server) sendText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	if err := s.sessions.SendText(c.Param("conversation_id"), req.Text); err != nil {
		return c.JSON(statusFor(err), errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusAccepted, statusBody{Status: "sent"})
}

func (s *Server) listEvents(c echo.Context) error {
	var since uint64
	if raw := c.QueryParam("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "since must be a non-negative integer"})
		}
		since = n
	}
	evs, err := s.events.List(c.Request().Context(), c.Param("conversation_id"), since)
	if err != nil {
		s.log.Error("list events failed", zap.String("conversation_id", c.Param("conversation_id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "event store unavailable"})
	}
	if evs == nil {
		evs = []events.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": evs})
}

// streamEvents forwards live events over a websocket until the client goes
// away or falls too far behind.
func (s *Server) streamEvents(c echo.Context) error {
	conversationID := c.Param("conversation_id")
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}
	defer conn.Close()

	sub := s.events.Subscribe(conversationID)
	defer sub.Close()
	log := s.log.With(zap.String("conversation_id", conversationID))
	log.Info("event stream opened")

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			log.Info("event stream closed by client")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				log.Warn("event stream subscriber fell behind")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(time.Second))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrBadOffer), errors.Is(err, bridge.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrUpstreamUnavailable), errors.Is(err, bridge.ErrNegotiation):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rodrigowf/agentic-voicebridge/internal/bridge"
	"github.com/rodrigowf/agentic-voicebridge/internal/config"
	"github.com/rodrigowf/agentic-voicebridge/internal/dispatch"
	"github.com/rodrigowf/agentic-voicebridge/internal/events"
	"github.com/rodrigowf/agentic-voicebridge/internal/realtime"
	"github.com/rodrigowf/agentic-voicebridge/internal/rtc"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// openStore returns the configured event store and a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (events.Store, func(), error) {
	switch cfg.EventStore {
	case config.StoreRedis:
		client, err := events.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		store := events.NewRedisStore(client, events.RedisOptions{TTL: cfg.RedisTTL})
		return store, func() { _ = client.Close() }, nil
	case config.StoreSupabase:
		store, err := events.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTable)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return events.NewMemoryStore(), func() {}, nil
	}
}

// buildTools registers an HTTP executor for every tool with an endpoint and
// returns the tools to announce upstream. Tools nobody can execute are not
// announced.
func buildTools(tools []config.Tool, token string, log *zap.Logger) (*dispatch.Registry, []realtime.Tool) {
	reg := dispatch.NewRegistry()
	var announced []realtime.Tool
	for _, t := range tools {
		if t.Endpoint == "" {
			log.Warn("tool has no endpoint; not announced", zap.String("tool", t.Name))
			continue
		}
		reg.RegisterHandler(t.Name, dispatch.NewHTTPExecutor(t.Endpoint, token))
		announced = append(announced, realtime.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return reg, announced
}

// sessionFactories builds the upstream and downstream constructors the
// manager calls for every new session.
func sessionFactories(cfg config.Config, tools []realtime.Tool, log *zap.Logger) (func(bridge.SessionParams) bridge.Upstream, func(bridge.SessionParams) bridge.Downstream, error) {
	ice, err := cfg.ICEServers()
	if err != nil {
		return nil, nil, err
	}
	turn := &realtime.TurnDetection{
		Type:              "server_vad",
		Threshold:         cfg.VADThreshold,
		PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		SilenceDurationMs: cfg.VADSilenceDurationMs,
	}

	newUpstream := func(p bridge.SessionParams) bridge.Upstream {
		voice := p.Voice
		if voice == "" {
			voice = cfg.Voice
		}
		instructions := cfg.Instructions
		if p.SystemPromptOverride != "" {
			instructions = p.SystemPromptOverride
		}
		return realtime.New(realtime.Config{
			BaseURL:                cfg.RealtimeURL,
			Credential:             cfg.RealtimeKey,
			Model:                  cfg.RealtimeModel,
			Voice:                  voice,
			Instructions:           instructions,
			Tools:                  tools,
			TurnDetection:          turn,
			TranscriptionModel:     cfg.TranscriptionModel,
			Greeting:               cfg.Greeting,
			ICEServers:             ice,
			GatherTimeout:          cfg.GatherTimeout,
			CloseTimeout:           cfg.CloseTimeout,
			ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
			ICEFailedTimeout:       cfg.ICEFailedTimeout,
			Logger:                 log.With(zap.String("conversation_id", p.ConversationID)),
		})
	}
	newDownstream := func(p bridge.SessionParams) bridge.Downstream {
		return rtc.NewBridge(rtc.Config{
			ICEServers:    ice,
			GatherTimeout: cfg.GatherTimeout,
			CloseTimeout:  cfg.CloseTimeout,
			Logger:        log.With(zap.String("conversation_id", p.ConversationID)),
		})
	}
	return newUpstream, newDownstream, nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/pflag"
)

const defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Event store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSupabase = "supabase"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	AuthToken   string
	LogLevel    string

	RealtimeURL        string
	RealtimeKey        string
	RealtimeModel      string
	Voice              string
	Instructions       string
	Greeting           bool
	TranscriptionModel string
	ICEServersJSON     string

	ConnectTimeout         time.Duration
	GatherTimeout          time.Duration
	NegotiateTimeout       time.Duration
	CloseTimeout           time.Duration
	FunctionTimeout        time.Duration
	PersistTimeout         time.Duration
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration

	RelayMaxGap    time.Duration
	RelayQueue     int
	RelayMaxFaults int

	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int

	ToolsFile       string
	ToolToken       string
	NestedRunnerURL string
	CodeExecURL     string

	EventStore    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	SupabaseURL   string
	SupabaseKey   string
	SupabaseTable string
}

// Load reads .env (if present), the environment and command-line flags, in
// increasing order of precedence.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	env := envReader{}
	var cfg Config
	flags := pflag.NewFlagSet("voicebridge", pflag.ContinueOnError)

	flags.StringVar(&cfg.HTTPAddress, "http-address", getEnv("HTTP_ADDRESS", ":8080"), "HTTP listen address")
	flags.StringVar(&cfg.AuthToken, "auth-token", os.Getenv("AUTH_TOKEN"), "Bearer token required on /api routes")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	flags.StringVar(&cfg.RealtimeURL, "realtime-url", getEnv("REALTIME_URL", "https://api.openai.com/v1/realtime"), "Realtime service signaling endpoint")
	flags.StringVar(&cfg.RealtimeKey, "realtime-key", os.Getenv("OPENAI_API_KEY"), "Realtime service credential")
	flags.StringVar(&cfg.RealtimeModel, "realtime-model", getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview"), "Realtime model")
	flags.StringVar(&cfg.Voice, "voice", getEnv("REALTIME_VOICE", "alloy"), "Default assistant voice")
	flags.StringVar(&cfg.Instructions, "instructions", os.Getenv("REALTIME_INSTRUCTIONS"), "Default system instructions")
	flags.BoolVar(&cfg.Greeting, "greeting", env.boolOr("REALTIME_GREETING", false), "Let the assistant speak first")
	flags.StringVar(&cfg.TranscriptionModel, "transcription-model", getEnv("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"), "Model used to transcribe user audio")
	flags.StringVar(&cfg.ICEServersJSON, "ice-servers", getEnv("ICE_SERVERS_JSON", defaultICEServersJSON), "ICE servers as JSON")

	flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", env.durationOr("UPSTREAM_CONNECT_TIMEOUT", 15*time.Second), "Upstream connect timeout")
	flags.DurationVar(&cfg.GatherTimeout, "gather-timeout", env.durationOr("ICE_GATHER_TIMEOUT", 5*time.Second), "ICE gathering timeout")
	flags.DurationVar(&cfg.NegotiateTimeout, "negotiate-timeout", env.durationOr("NEGOTIATE_TIMEOUT", 10*time.Second), "Browser negotiation timeout")
	flags.DurationVar(&cfg.CloseTimeout, "close-timeout", env.durationOr("CLOSE_TIMEOUT", 3*time.Second), "Bound on releasing a session")
	flags.DurationVar(&cfg.FunctionTimeout, "function-timeout", env.durationOr("FUNCTION_TIMEOUT", 60*time.Second), "Bound on a single function call")
	flags.DurationVar(&cfg.PersistTimeout, "persist-timeout", env.durationOr("PERSIST_TIMEOUT", 2*time.Second), "Bound on persisting one event")
	flags.DurationVar(&cfg.ICEDisconnectedTimeout, "ice-disconnected-timeout", env.durationOr("ICE_DISCONNECTED_TIMEOUT", 5*time.Second), "Upstream silence before ICE reports disconnected")
	flags.DurationVar(&cfg.ICEFailedTimeout, "ice-failed-timeout", env.durationOr("ICE_FAILED_TIMEOUT", 25*time.Second), "Upstream silence before the session fails")

	flags.DurationVar(&cfg.RelayMaxGap, "relay-max-gap", env.durationOr("RELAY_MAX_GAP", 200*time.Millisecond), "Source gap filled with silence")
	flags.IntVar(&cfg.RelayQueue, "relay-queue", env.intOr("RELAY_QUEUE", 64), "Frames buffered per relay direction")
	flags.IntVar(&cfg.RelayMaxFaults, "relay-max-faults", env.intOr("RELAY_MAX_FAULTS", 50), "Consecutive bad frames before a session fails")

	flags.Float64Var(&cfg.VADThreshold, "vad-threshold", env.floatOr("VAD_THRESHOLD", 0.5), "Server VAD threshold")
	flags.IntVar(&cfg.VADPrefixPaddingMs, "vad-prefix-padding-ms", env.intOr("VAD_PREFIX_PADDING_MS", 300), "Server VAD prefix padding")
	flags.IntVar(&cfg.VADSilenceDurationMs, "vad-silence-duration-ms", env.intOr("VAD_SILENCE_DURATION_MS", 500), "Server VAD silence duration")

	flags.StringVar(&cfg.ToolsFile, "tools-file", os.Getenv("TOOLS_FILE"), "YAML file with tool definitions")
	flags.StringVar(&cfg.ToolToken, "tool-token", os.Getenv("TOOL_AUTH_TOKEN"), "Bearer token sent to tool endpoints")
	flags.StringVar(&cfg.NestedRunnerURL, "nested-runner-url", os.Getenv("NESTED_RUNNER_URL"), "Endpoint for send_to_nested")
	flags.StringVar(&cfg.CodeExecURL, "code-exec-url", os.Getenv("CODE_EXEC_URL"), "Endpoint for execute_code")

	flags.StringVar(&cfg.EventStore, "event-store", getEnv("EVENT_STORE", StoreMemory), "Event store (memory, redis, supabase)")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	flags.StringVar(&cfg.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", env.intOr("REDIS_DB", 0), "Redis database")
	flags.DurationVar(&cfg.RedisTTL, "redis-ttl", env.durationOr("REDIS_EVENT_TTL", 0), "Expiry of a conversation's events (0 keeps them)")
	flags.StringVar(&cfg.SupabaseURL, "supabase-url", os.Getenv("SUPABASE_URL"), "Supabase URL")
	flags.StringVar(&cfg.SupabaseKey, "supabase-key", os.Getenv("SUPABASE_SERVICE_ROLE_KEY"), "Supabase Service Role Key")
	flags.StringVar(&cfg.SupabaseTable, "supabase-table", getEnv("SUPABASE_EVENTS_TABLE", "realtime_events"), "Supabase events table")

	if err := env.err(); err != nil {
		return Config{}, err
	}
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.RealtimeKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}
	if c.RelayQueue <= 0 {
		problems = append(problems, "RELAY_QUEUE must be positive")
	}
	switch c.EventStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis event store")
		}
	case StoreSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			problems = append(problems, "SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for the supabase event store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown EVENT_STORE %q", c.EventStore))
	}
	if _, err := c.ICEServers(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ICEServers decodes ICE_SERVERS_JSON.
func (c Config) ICEServers() ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(c.ICEServersJSON) == "" {
		return nil, nil
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(c.ICEServersJSON), &servers); err != nil {
		return nil, fmt.Errorf("invalid ICE_SERVERS_JSON: %w", err)
	}
	return servers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values and collects the ones that do
// not parse.
type envReader struct {
	bad []string
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, value string) {
	r.bad = append(r.bad, fmt.Sprintf("%s=%q", key, value))
}

func (r *envReader) durationOr(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return d
}

func (r *envReader) intOr(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return n
}

func (r *envReader) floatOr(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return f
}

func (r *envReader) boolOr(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return b
}

func (r *envReader) err() error {
	if len(r.bad) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid environment values: %s", strings.Join(r.bad, ", "))
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("EVENT_STORE", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RELAY_MAX_GAP", "150ms")
	t.Setenv("VAD_SILENCE_DURATION_MS", "700")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.EventStore != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.EventStore)
	}
	if cfg.ConnectTimeout != 15*time.Second || cfg.RelayMaxGap != 150*time.Millisecond || cfg.PersistTimeout != 2*time.Second {
		t.Fatalf("unexpected durations %s %s %s", cfg.ConnectTimeout, cfg.RelayMaxGap, cfg.PersistTimeout)
	}
	if cfg.VADSilenceDurationMs != 700 {
		t.Fatalf("expected env override, got %d", cfg.VADSilenceDurationMs)
	}
	servers, err := cfg.ICEServers()
	if err != nil || len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("unexpected ice servers %+v (%v)", servers, err)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("REALTIME_VOICE", "verse")

	cfg, err := Load([]string{"--voice", "sage", "--connect-timeout", "2s", "--greeting"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Voice != "sage" || cfg.ConnectTimeout != 2*time.Second || !cfg.Greeting {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=sk-from-file\nREALTIME_MODEL=gpt-realtime\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REALTIME_MODEL", "")
	os.Unsetenv("OPENAI_API_KEY")
	os.Unsetenv("REALTIME_MODEL")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RealtimeKey != "sk-from-file" || cfg.RealtimeModel != "gpt-realtime" {
		t.Fatalf(".env not applied: key=%q model=%q", cfg.RealtimeKey, cfg.RealtimeModel)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CLOSE_TIMEOUT", "soon")
	if _, err := Load(nil); err == nil || !strings.Contains(err.Error(), "CLOSE_TIMEOUT") {
		t.Fatalf("expected CLOSE_TIMEOUT error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{RealtimeKey: "sk", RelayQueue: 64, EventStore: StoreMemory, ICEServersJSON: defaultICEServersJSON}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := map[string]func(*Config){
		"missing key":      func(c *Config) { c.RealtimeKey = "" },
		"unknown store":    func(c *Config) { c.EventStore = "mongo" },
		"supabase creds":   func(c *Config) { c.EventStore = StoreSupabase },
		"redis addr":       func(c *Config) { c.EventStore = StoreRedis; c.RedisAddr = "" },
		"ice servers":      func(c *Config) { c.ICEServersJSON = "{" },
		"zero relay queue": func(c *Config) { c.RelayQueue = 0 },
	}
	for name, mutate := range bad {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTools_DefaultsAndFile(t *testing.T) {
	cfg := Config{NestedRunnerURL: "http://nested.local/run"}
	tools, err := cfg.Tools()
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "send_to_nested" || tools[0].Endpoint != "http://nested.local/run" {
		t.Fatalf("unexpected default tools %+v", tools)
	}

	path := filepath.Join(t.TempDir(), "tools.yaml")
	doc := `tools:
  - name: send_to_nested
    description: Custom nested runner.
    endpoint: http://other.local/run
  - name: lookup_order
    description: Look up an order.
    endpoint: http://orders.local
    parameters:
      type: object
      properties:
        id:
          type: string
      required: [id]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.ToolsFile = path
	tools, err = cfg.Tools()
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Endpoint != "http://other.local/run" {
		t.Fatalf("file entry should replace built-in, got %q", tools[0].Endpoint)
	}
	props, ok := tools[1].Parameters["properties"].(map[string]any)
	if !ok || props["id"] == nil {
		t.Fatalf("parameters not decoded: %#v", tools[1].Parameters)
	}
	if tools[0].Parameters == nil {
		t.Fatalf("missing parameters should default to an empty object schema")
	}
}

func TestLoadTools_Rejects(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no name":   "tools:\n  - description: x\n",
		"duplicate": "tools:\n  - name: a\n  - name: a\n",
		"not yaml":  "tools: [",
	}
	for name, doc := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadTools(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadTools(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

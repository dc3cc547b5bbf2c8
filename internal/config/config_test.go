package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
webhook:
  endpoint: "https://hooks.example/x/y"
  min_interval: "1s"
stats:
  base_url: "https://stats.example/api"
  timeout: "10s"
pending:
  expires_after: "2h"
  poll_budget: 5
state:
  driver: file
  path: "./state.json"
scheduler:
  enabled: true
  spec: "@every 10m"
subjects:
  - id: "9"
    display_name: "Arc"
`

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "bot.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging wrong: %+v", cfg.Logging)
	}
	if cfg.Pending.ExpiresAfter != "2h" || cfg.Pending.PollBudget != 5 {
		t.Fatalf("pending wrong: %+v", cfg.Pending)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0].ID != "9" {
		t.Fatalf("subjects wrong: %+v", cfg.Subjects)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "bot.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://hooks.example/env")
	t.Setenv("STATS_TOKEN", "s3cret")
	t.Setenv("GIST_TOKEN", "gh-token")
	t.Setenv("DEBUG_MODE", "true")
	t.Setenv("PENDING_EXPIRY_SEC", "3600")

	m := NewConfigManager(writeConfig(t, "bot.yaml", strings.Replace(validYAML,
		`endpoint: "https://hooks.example/x/y"`,
		`endpoint: "https://hooks.example/x/y"`+"\n  debug_endpoint: \"https://hooks.example/dbg\"", 1)))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Webhook.Endpoint != "https://hooks.example/env" {
		t.Fatalf("endpoint = %q", cfg.Webhook.Endpoint)
	}
	if !cfg.Webhook.DebugMode {
		t.Fatal("DEBUG_MODE not applied")
	}
	if cfg.Stats.Token != "s3cret" || cfg.State.GistToken != "gh-token" {
		t.Fatal("secret env vars not applied")
	}
	if cfg.Pending.ExpiresAfter != "3600s" {
		t.Fatalf("legacy expiry env not applied: %q", cfg.Pending.ExpiresAfter)
	}
}

func TestValidateCatchesProblems(t *testing.T) {
	base := func() *Config {
		return &Config{
			Webhook:  WebhookConfig{Endpoint: "https://h/x"},
			Stats:    StatsConfig{BaseURL: "https://s/api"},
			State:    StateConfig{Driver: "file", Path: "./state.json"},
			Subjects: []SubjectConfig{{ID: "9"}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Webhook.Endpoint = "" }},
		{"debug mode without endpoint", func(c *Config) { c.Webhook.DebugMode = true }},
		{"missing stats url", func(c *Config) { c.Stats.BaseURL = "" }},
		{"unknown driver", func(c *Config) { c.State.Driver = "redis" }},
		{"gist without id", func(c *Config) { c.State = StateConfig{Driver: "gist"} }},
		{"file without path", func(c *Config) { c.State = StateConfig{Driver: "file"} }},
		{"blank subject id", func(c *Config) { c.Subjects = []SubjectConfig{{ID: " "}} }},
		{"bad duration", func(c *Config) { c.Pending.ExpiresAfter = "soon" }},
		{"negative budget", func(c *Config) { c.Pending.PollBudget = -1 }},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Webhook: WebhookConfig{Endpoint: "https://hooks.example/secret-token"},
		Stats:   StatsConfig{BaseURL: "https://s/api", Token: "stats-secret"},
		Trigger: TriggerConfig{Enabled: true, Token: "trigger-secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		t.Fatal("expected changed sections")
	}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked into log attrs: %s", buf.String())
	}
}

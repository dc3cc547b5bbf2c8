package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Webhook   WebhookConfig   `json:"webhook"`
	Stats     StatsConfig     `json:"stats"`
	Pending   PendingConfig   `json:"pending,omitempty"`
	State     StateConfig     `json:"state"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Trigger   TriggerConfig   `json:"trigger,omitempty"`
	Subjects  []SubjectConfig `json:"subjects"`

	// TestMode disables real delivery and state saves; content is logged.
	TestMode bool `json:"test_mode,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WebhookConfig controls the delivery endpoint.
//
// Secrets note: endpoint URLs embed webhook credentials; prefer supplying
// them via WEBHOOK_URL / WEBHOOK_URL_DEBUG rather than the config file.
type WebhookConfig struct {
	Endpoint      string `json:"endpoint,omitempty"`
	DebugEndpoint string `json:"debug_endpoint,omitempty"`
	// DebugMode forces all delivery traffic to the debug endpoint.
	DebugMode bool `json:"debug_mode,omitempty"`
	// MinInterval is the courtesy spacing between requests to one
	// endpoint base, a Go duration string (default "1s").
	MinInterval string `json:"min_interval,omitempty"`
}

type StatsConfig struct {
	BaseURL string `json:"base_url"`
	// Token is the bearer token; STATS_TOKEN overrides.
	Token string `json:"token,omitempty"`
	// Timeout is a Go duration string (default "15s").
	Timeout string `json:"timeout,omitempty"`
}

// PendingConfig holds the reconciliation windows. All durations are Go
// duration strings; omitted fields use the built-in defaults (expiry 12h
// in [30m, 48h], recheck 5m in [30s, 1h]).
type PendingConfig struct {
	ExpiresAfter  string `json:"expires_after,omitempty"`
	MinExpiry     string `json:"min_expiry,omitempty"`
	MaxExpiry     string `json:"max_expiry,omitempty"`
	RecheckWindow string `json:"recheck_window,omitempty"`
	MinRecheck    string `json:"min_recheck,omitempty"`
	MaxRecheck    string `json:"max_recheck,omitempty"`

	// PollBudget caps upstream polls per run (default 20).
	PollBudget int `json:"poll_budget,omitempty"`
	// EntryPause is the courtesy delay between per-entry network calls.
	EntryPause string `json:"entry_pause,omitempty"`
}

// StateConfig controls where the run document is persisted.
//
// Driver values: "file" (default), "gist", "sqlite".
type StateConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	GistID      string `json:"gist_id,omitempty"`
	GistFile    string `json:"gist_file,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// GistToken is environment-only (GIST_TOKEN); never put it in the file.
	GistToken string `json:"-"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron spec ("@every 10m" by default).
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart fires one run immediately at startup.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// TriggerConfig controls the optional HTTP listener (/run, /healthz).
//
// Security note: prefer binding to localhost; set a token if you bind
// anywhere else.
type TriggerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8787"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

type SubjectConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ApplyEnv layers environment overrides on top of the parsed file. Env
// wins so deployments can keep secrets out of the config file entirely.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_URL")); v != "" {
		c.Webhook.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_URL_DEBUG")); v != "" {
		c.Webhook.DebugEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("DEBUG_MODE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Webhook.DebugMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("STATS_TOKEN")); v != "" {
		c.Stats.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("GIST_TOKEN")); v != "" {
		c.State.GistToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TRIGGER_TOKEN")); v != "" {
		c.Trigger.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_MODE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TestMode = b
		}
	}
	// Legacy deployments configured expiry as bare seconds.
	if v := strings.TrimSpace(os.Getenv("PENDING_EXPIRY_SEC")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Pending.ExpiresAfter = fmt.Sprintf("%ds", n)
		}
	}
}

// Validate checks the config for problems that would only surface
// mid-run. It is also used as the watch-time gate before a reload is
// committed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Webhook.Endpoint) == "" && strings.TrimSpace(c.Webhook.DebugEndpoint) == "" {
		return errors.New("webhook: endpoint (or debug_endpoint) is required")
	}
	if c.Webhook.DebugMode && strings.TrimSpace(c.Webhook.DebugEndpoint) == "" {
		return errors.New("webhook: debug_mode set without debug_endpoint")
	}
	if strings.TrimSpace(c.Stats.BaseURL) == "" {
		return errors.New("stats: base_url is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.State.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.State.Path) == "" {
			return errors.New("state: path is required")
		}
	case "gist":
		if strings.TrimSpace(c.State.GistID) == "" {
			return errors.New("state: gist_id is required for gist driver")
		}
	default:
		return fmt.Errorf("state: unknown driver %q", c.State.Driver)
	}

	for i, s := range c.Subjects {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("subjects[%d]: id is required", i)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"webhook.min_interval", c.Webhook.MinInterval},
		{"stats.timeout", c.Stats.Timeout},
		{"pending.expires_after", c.Pending.ExpiresAfter},
		{"pending.min_expiry", c.Pending.MinExpiry},
		{"pending.max_expiry", c.Pending.MaxExpiry},
		{"pending.recheck_window", c.Pending.RecheckWindow},
		{"pending.min_recheck", c.Pending.MinRecheck},
		{"pending.max_recheck", c.Pending.MaxRecheck},
		{"pending.entry_pause", c.Pending.EntryPause},
		{"state.busy_timeout", c.State.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Pending.PollBudget < 0 {
		return errors.New("pending.poll_budget must be >= 0")
	}
	return nil
}

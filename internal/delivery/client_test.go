package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"guildbot/pkg/logx"
)

func testClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Millisecond
	}
	c := NewClient(cfg, NewState(), logx.Nop())
	c.sleep = func(time.Duration) {} // no real pacing in tests
	return c
}

func TestCreateReturnsMessageID(t *testing.T) {
	var gotWait string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "1234567890"})
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{"content": "hi"}, "", true)
	if !out.OK || out.Code != CodeOK {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.MessageID != "1234567890" {
		t.Fatalf("message id = %q", out.MessageID)
	}
	if gotWait != "true" {
		t.Fatalf("expected wait=true query, got %q", gotWait)
	}
}

func TestCreateMissingWantedIDIsOtherError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{}, "", true)
	if out.OK || out.Code != CodeOtherError {
		t.Fatalf("expected other_error, got %+v", out)
	}

	// Without asking for an id, 204 is a plain success.
	out = c.Create(context.Background(), map[string]any{}, "", false)
	if !out.OK || out.Code != CodeOK {
		t.Fatalf("expected ok, got %+v", out)
	}
}

func TestEditNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(t, Config{})
	out := c.Edit(context.Background(), "m1", map[string]any{}, srv.URL+"?wait=true")
	if out.Code != CodeNotFound {
		t.Fatalf("expected not_found, got %+v", out)
	}
}

func TestEditUsesExactBaseAndMessagePath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
	}))
	defer srv.Close()

	// Debug mode must not re-route edits: the stored base wins.
	c := testClient(t, Config{DebugMode: true, DebugEndpoint: "http://127.0.0.1:1/elsewhere"})
	out := c.Edit(context.Background(), "m42", map[string]any{}, srv.URL+"/hook/abc?token=x")
	if !out.OK {
		t.Fatalf("edit failed: %+v", out)
	}
	if gotMethod != http.MethodPatch {
		t.Fatalf("method = %q", gotMethod)
	}
	if gotPath != "/hook/abc/messages/m42" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestShortRateLimitRetriesOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{}, "", false)
	if !out.OK {
		t.Fatalf("expected ok after local retry, got %+v", out)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if c.State().CooldownActive() {
		t.Fatal("short rate limit must not start a global cooldown")
	}
}

func TestLongRateLimitEscalatesToGlobalCooldown(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{}, "", false)
	if out.Code != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected no local retry on long limit, got %d calls", calls)
	}
	if !c.State().CooldownActive() {
		t.Fatal("expected global cooldown")
	}

	// Cooldown short-circuits before any network call.
	out = c.Create(context.Background(), map[string]any{}, "", false)
	if out.Code != CodeRateLimited || out.RetryAfter <= 0 {
		t.Fatalf("expected cooldown short-circuit, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("cooldown must not hit the network, got %d calls", calls)
	}
}

func TestSecondRateLimitOnRetryEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{}, "", false)
	if out.Code != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", out)
	}
	if !c.State().CooldownActive() {
		t.Fatal("expected escalation to global cooldown")
	}
}

func TestEdgeBlockSetsPermanentFlag(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html>error 1015 — you are being rate limited</html>"))
	}))
	defer srv.Close()

	c := testClient(t, Config{DefaultEndpoint: srv.URL})
	out := c.Create(context.Background(), map[string]any{}, "", false)
	if out.Code != CodeHardBlock {
		t.Fatalf("expected hard_block, got %+v", out)
	}
	if !c.State().HardBlocked() {
		t.Fatal("expected hard-block flag set")
	}

	// All subsequent operations short-circuit without network calls.
	out = c.Edit(context.Background(), "m1", map[string]any{}, srv.URL)
	if out.Code != CodeHardBlock {
		t.Fatalf("expected hard_block short-circuit, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("hard block must stop all traffic, got %d calls", calls)
	}
}

func TestDebugModeOverridesCreateEndpoint(t *testing.T) {
	var debugCalls int
	dbg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		debugCalls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer dbg.Close()

	c := testClient(t, Config{DefaultEndpoint: "http://127.0.0.1:1/nope", DebugEndpoint: dbg.URL, DebugMode: true})
	out := c.Create(context.Background(), map[string]any{}, "http://127.0.0.1:1/also-nope", false)
	if !out.OK {
		t.Fatalf("expected ok via debug endpoint, got %+v", out)
	}
	if debugCalls != 1 {
		t.Fatalf("debug endpoint calls = %d", debugCalls)
	}
}

func TestParseRetryAfterUnits(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		body   string
		want   time.Duration
	}{
		{"reset-after header", map[string]string{"X-RateLimit-Reset-After": "3.5"}, "", 3500 * time.Millisecond},
		{"retry-after header", map[string]string{"Retry-After": "5"}, "", 5 * time.Second},
		{"body seconds", nil, `{"retry_after": 4}`, 4 * time.Second},
		{"body milliseconds", nil, `{"retry_after": 2500}`, 2500 * time.Millisecond},
		{"clamp low", map[string]string{"Retry-After": "0.01"}, "", retryAfterMin},
		{"clamp high", map[string]string{"Retry-After": "600"}, "", retryAfterMax},
		{"nothing usable", nil, `{}`, retryAfterDefault},
	}
	for _, c := range cases {
		h := http.Header{}
		for k, v := range c.header {
			h.Set(k, v)
		}
		if got := parseRetryAfter(h, []byte(c.body)); got != c.want {
			t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestStripQueryAndWaitParam(t *testing.T) {
	if got := StripQuery("https://x/y?a=1&b=2"); got != "https://x/y" {
		t.Fatalf("StripQuery = %q", got)
	}
	if got := StripQuery("https://x/y"); got != "https://x/y" {
		t.Fatalf("StripQuery = %q", got)
	}
	if got := addWaitParam("https://x/y"); got != "https://x/y?wait=true" {
		t.Fatalf("addWaitParam = %q", got)
	}
	if got := addWaitParam("https://x/y?a=1"); got != "https://x/y?a=1&wait=true" {
		t.Fatalf("addWaitParam = %q", got)
	}
}

func TestCooldownNeverShortens(t *testing.T) {
	now := time.Now()
	s := newStateAt(func() time.Time { return now })
	s.StartCooldown(20 * time.Second)
	s.StartCooldown(5 * time.Second)
	if rem := s.CooldownRemaining(); rem != 20*time.Second {
		t.Fatalf("remaining = %v, want 20s", rem)
	}
}

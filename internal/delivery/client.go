// Package delivery performs all network interaction with the messaging
// endpoint (create and edit of webhook messages) and classifies every
// outcome into a fixed taxonomy.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"guildbot/pkg/logx"
)

const (
	// Retry-after durations outside this range are misconfigurations or
	// unit mixups; clamp rather than honor them.
	retryAfterMin = 500 * time.Millisecond
	retryAfterMax = 60 * time.Second

	// A retry-after above this escalates to a global cooldown covering
	// all endpoints instead of a local sleep-and-retry.
	cooldownEscalation = 10 * time.Second

	// Fallback when a rate-limited response carries no usable duration.
	retryAfterDefault = 2 * time.Second

	// Courtesy pacing after successful calls.
	createPace = time.Second
	editPace   = 600 * time.Millisecond

	requestTimeout = 10 * time.Second
)

type Config struct {
	// DefaultEndpoint is used when the caller passes no explicit endpoint.
	DefaultEndpoint string
	// DebugEndpoint, with DebugMode set, forces all traffic to an
	// alternate endpoint regardless of what callers pass.
	DebugEndpoint string
	DebugMode     bool

	// MinInterval is the courtesy spacing between requests to one
	// endpoint base.
	MinInterval time.Duration
}

// Client issues create/edit calls against webhook-style messaging
// endpoints. All failure classification happens here; callers only ever
// see Outcome values.
type Client struct {
	cfg   Config
	http  *http.Client
	state *State
	log   logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep        func(time.Duration)
	loggedTarget bool
}

func NewClient(cfg Config, state *State, log logx.Logger) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if state == nil {
		state = NewState()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: requestTimeout},
		state:    state,
		log:      log,
		limiters: map[string]*rate.Limiter{},
		sleep:    time.Sleep,
	}
}

// State exposes the shared delivery health signals (cooldown, hard block).
func (c *Client) State() *State { return c.state }

// Create posts new content. When wantMessageID is set, the endpoint is
// asked to return the created message and the Outcome carries its id; a
// success response without an id is reported as other_error rather than a
// false positive.
func (c *Client) Create(ctx context.Context, content any, endpoint string, wantMessageID bool) Outcome {
	base := c.resolveEndpoint(endpoint)
	if base == "" {
		c.log.Error("no delivery endpoint configured")
		return failOutcome(CodeOtherError, 0)
	}
	url := base
	if wantMessageID {
		url = addWaitParam(url)
	}
	return c.send(ctx, http.MethodPost, url, StripQuery(base), content, wantMessageID, createPace)
}

// Edit rewrites an existing message in place. The endpoint must be the
// exact base used for the original post; it is never re-resolved, since
// resolution rules (debug routing) may differ between runs.
func (c *Client) Edit(ctx context.Context, messageID string, content any, endpoint string) Outcome {
	base := StripQuery(strings.TrimSpace(endpoint))
	if base == "" || messageID == "" {
		return failOutcome(CodeOtherError, 0)
	}
	url := base + "/messages/" + messageID
	return c.send(ctx, http.MethodPatch, url, base, content, false, editPace)
}

// ResolveEndpoint reports the exact endpoint a Create call would use, so
// callers can persist it next to the message id for later edits.
func (c *Client) ResolveEndpoint(endpoint string) string {
	return c.resolveEndpoint(endpoint)
}

func (c *Client) resolveEndpoint(explicit string) string {
	if c.cfg.DebugMode {
		if dbg := strings.TrimSpace(c.cfg.DebugEndpoint); dbg != "" {
			c.logTargetOnce("using debug endpoint for all delivery traffic")
			return dbg
		}
	}
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return strings.TrimSpace(c.cfg.DefaultEndpoint)
}

func (c *Client) logTargetOnce(msg string) {
	c.mu.Lock()
	logged := c.loggedTarget
	c.loggedTarget = true
	c.mu.Unlock()
	if !logged {
		c.log.Info(msg)
	}
}

// gate short-circuits an operation when the process-wide hard-block flag
// is set or a global cooldown is active.
func (c *Client) gate() (Outcome, bool) {
	if c.state.HardBlocked() {
		return failOutcome(CodeHardBlock, 0), true
	}
	if rem := c.state.CooldownRemaining(); rem > 0 {
		return failOutcome(CodeRateLimited, rem), true
	}
	return Outcome{}, false
}

func (c *Client) send(ctx context.Context, method, url, base string, content any, wantMessageID bool, pace time.Duration) Outcome {
	if out, stop := c.gate(); stop {
		return out
	}

	payload, err := json.Marshal(content)
	if err != nil {
		c.log.Error("delivery payload marshal failed", logx.Err(err))
		return failOutcome(CodeOtherError, 0)
	}

	if err := c.throttle(ctx, base); err != nil {
		return failOutcome(CodeOtherError, 0)
	}
	out, localRetry := c.attempt(ctx, method, url, payload, wantMessageID)
	if localRetry <= 0 {
		return c.finish(out, pace)
	}

	// Short rate limit: sleep locally and retry exactly once.
	c.log.Warn("rate limited, retrying locally",
		logx.String("method", method), logx.Duration("retry_after", localRetry))
	c.sleep(localRetry)
	if err := c.throttle(ctx, base); err != nil {
		return failOutcome(CodeOtherError, 0)
	}
	out, secondRetry := c.attempt(ctx, method, url, payload, wantMessageID)
	if secondRetry > 0 {
		// A second rate limit on the retry escalates to a global cooldown.
		d := localRetry
		if secondRetry > d {
			d = secondRetry
		}
		c.state.StartCooldown(d)
		c.log.Warn("second rate limit on retry, entering global cooldown", logx.Duration("cooldown", d))
		return failOutcome(CodeRateLimited, d)
	}
	return c.finish(out, pace)
}

func (c *Client) finish(out Outcome, pace time.Duration) Outcome {
	if out.OK {
		// Courtesy pacing before the caller proceeds to the next entry.
		c.sleep(pace + time.Duration(rand.Float64()*float64(pace)/2))
	}
	return out
}

// attempt issues one request and classifies the response. A positive
// second return value signals a short rate limit the caller may retry
// locally; every other case is final.
func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, wantMessageID bool) (Outcome, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return failOutcome(CodeOtherError, 0), 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("delivery request failed", logx.String("method", method), logx.Err(err))
		return failOutcome(CodeOtherError, 0), 0
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	return c.classify(resp.StatusCode, resp.Header, body, wantMessageID)
}

// classify is the single boundary mapping a raw transport response to an
// Outcome. Nothing outside this function inspects status codes.
func (c *Client) classify(status int, header http.Header, body []byte, wantMessageID bool) (Outcome, time.Duration) {
	if looksLikeEdgeBlock(header, body) {
		c.state.MarkHardBlocked()
		c.log.Error("edge-network hard block detected, delivery disabled for this process")
		return failOutcome(CodeHardBlock, 30*time.Second), 0
	}

	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
		if !wantMessageID {
			return okOutcome(""), 0
		}
		id := extractMessageID(body)
		if id == "" {
			// Caller needs the id; succeeding without one would poison
			// the pending store with an uneditable entry.
			c.log.Warn("success response missing message id", logx.Int("status", status))
			return failOutcome(CodeOtherError, 0), 0
		}
		return okOutcome(id), 0

	case status == http.StatusTooManyRequests:
		d := parseRetryAfter(header, body)
		if d > cooldownEscalation {
			c.state.StartCooldown(d)
			c.log.Warn("long rate limit, entering global cooldown", logx.Duration("cooldown", d))
			return failOutcome(CodeRateLimited, d), 0
		}
		return Outcome{}, d

	case status == http.StatusNotFound || status == http.StatusGone:
		// The remote message was deleted out-of-band; terminal for the
		// entry, not for the run.
		return failOutcome(CodeNotFound, 0), 0

	default:
		c.log.Warn("delivery endpoint error",
			logx.Int("status", status), logx.String("body", truncateBody(body, 200)))
		return failOutcome(CodeOtherError, 0), 0
	}
}

// throttle enforces minimum inter-request spacing per endpoint base.
func (c *Client) throttle(ctx context.Context, base string) error {
	c.mu.Lock()
	lim, ok := c.limiters[base]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.MinInterval), 1)
		c.limiters[base] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}

// parseRetryAfter extracts a backoff duration from rate-limit headers or
// body, normalizing units defensively: some peers report milliseconds
// where seconds are documented. Result is clamped to a sane range.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return clampRetryAfter(f)
		}
	}
	if v := header.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return clampRetryAfter(f)
		}
	}

	var m struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &m); err == nil && m.RetryAfter != nil {
		f := *m.RetryAfter
		if f > 60 {
			// Magnitude heuristic: anything above a minute is milliseconds.
			f /= 1000
		}
		return clampRetryAfter(f)
	}
	return retryAfterDefault
}

func clampRetryAfter(sec float64) time.Duration {
	d := time.Duration(sec * float64(time.Second))
	if d < retryAfterMin {
		return retryAfterMin
	}
	if d > retryAfterMax {
		return retryAfterMax
	}
	return d
}

// looksLikeEdgeBlock detects the HTML interstitial served when the edge
// network has flagged this client (Cloudflare error 1015 and kin).
func looksLikeEdgeBlock(header http.Header, body []byte) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	if !strings.Contains(ct, "text/html") {
		return false
	}
	b := strings.ToLower(truncateBody(body, 500))
	return strings.Contains(b, "error 1015") ||
		strings.Contains(b, "you are being rate limited") ||
		strings.Contains(b, "cloudflare")
}

func extractMessageID(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return ""
	}
	v, ok := m["id"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// addWaitParam asks the endpoint to return the created message body.
func addWaitParam(url string) string {
	if strings.Contains(url, "?") {
		return url + "&wait=true"
	}
	return url + "?wait=true"
}

// StripQuery drops query parameters from an endpoint URL.
func StripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func truncateBody(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

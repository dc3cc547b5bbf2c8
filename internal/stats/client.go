package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"guildbot/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// FetchFullMatch returns the match blob, or (nil, nil) when the upstream
// does not know the match yet, or ErrQuotaExceeded when the quota is
// spent.
func (c *Client) FetchFullMatch(ctx context.Context, matchID string) (*Match, error) {
	body, status, err := c.get(ctx, "/matches/"+matchID)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		var m Match
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("stats: decode match %s: %w", matchID, err)
		}
		if quotaBody(body) {
			return nil, ErrQuotaExceeded
		}
		return &m, nil
	case status == http.StatusNotFound:
		return nil, nil
	case quotaStatus(status):
		return nil, ErrQuotaExceeded
	default:
		return nil, fmt.Errorf("stats: match %s: unexpected status %d", matchID, status)
	}
}

// LatestMatchID returns the id of the subject's most recent match, empty
// when the subject has none visible.
func (c *Client) LatestMatchID(ctx context.Context, subjectID string) (string, error) {
	body, status, err := c.get(ctx, "/subjects/"+subjectID+"/matches/latest")
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK:
		var out struct {
			MatchID string `json:"matchId"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("stats: decode latest match for %s: %w", subjectID, err)
		}
		return out.MatchID, nil
	case status == http.StatusNotFound:
		return "", nil
	case quotaStatus(status):
		return "", ErrQuotaExceeded
	default:
		return "", fmt.Errorf("stats: subject %s: unexpected status %d", subjectID, status)
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		return nil, 0, fmt.Errorf("stats: base URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func quotaStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusPaymentRequired
}

// quotaBody catches upstreams that answer 200 with an error envelope.
func quotaBody(body []byte) bool {
	var m struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}
	return m.Error == "quota_exceeded"
}

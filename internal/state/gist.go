package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"guildbot/pkg/logx"
)

const gistAPIBase = "https://api.github.com"

// gistBlob stores the document as one file inside a GitHub Gist. The gist
// must already exist; the file is created on first save.
type gistBlob struct {
	id    string
	file  string
	token string
	base  string
	http  *http.Client
	log   logx.Logger
}

func openGist(cfg Config, log logx.Logger) (Blob, error) {
	id := strings.TrimSpace(cfg.GistID)
	if id == "" {
		return nil, errors.New("state.gistId is required for gist driver")
	}
	token := strings.TrimSpace(cfg.GistToken)
	if token == "" {
		return nil, errors.New("gist token is required for gist driver")
	}
	file := strings.TrimSpace(cfg.GistFile)
	if file == "" {
		file = "state.json"
	}
	return &gistBlob{
		id:    id,
		file:  file,
		token: token,
		base:  gistAPIBase,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log,
	}, nil
}

func (g *gistBlob) Load(ctx context.Context) ([]byte, error) {
	body, status, err := g.do(ctx, http.MethodGet, "/gists/"+g.id, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("state: gist %s not found", g.id)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("state: gist load: status %d", status)
	}

	var out struct {
		Files map[string]struct {
			Content   string `json:"content"`
			Truncated bool   `json:"truncated"`
			RawURL    string `json:"raw_url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("state: gist decode: %w", err)
	}
	f, ok := out.Files[g.file]
	if !ok {
		return nil, nil
	}
	if f.Truncated && f.RawURL != "" {
		return g.fetchRaw(ctx, f.RawURL)
	}
	return []byte(f.Content), nil
}

func (g *gistBlob) Save(ctx context.Context, b []byte) error {
	payload := map[string]any{
		"files": map[string]any{
			g.file: map[string]string{"content": string(b)},
		},
	}
	req, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, status, err := g.do(ctx, http.MethodPatch, "/gists/"+g.id, req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("state: gist save: status %d", status)
	}
	return nil
}

func (g *gistBlob) Close() error { return nil }

func (g *gistBlob) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, err
	}
	return out, resp.StatusCode, nil
}

func (g *gistBlob) fetchRaw(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state: gist raw fetch: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

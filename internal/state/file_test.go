package state

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"guildbot/pkg/logx"
)

func TestFileBlobRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	blob, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer blob.Close()
	ctx := context.Background()

	b, err := blob.Load(ctx)
	if err != nil || b != nil {
		t.Fatalf("fresh load should be (nil, nil), got %q %v", b, err)
	}

	if err := blob.Save(ctx, []byte(`{"pending":{}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	b, err = blob.Load(ctx)
	if err != nil || string(b) != `{"pending":{}}` {
		t.Fatalf("load after save: %q %v", b, err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after save")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestOpenDefaultsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	blob, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := blob.(*fileBlob); !ok {
		t.Fatalf("default driver should be file, got %T", blob)
	}
}

func TestGistBlobRoundTrip(t *testing.T) {
	var saved string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gists/abc" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			if saved == "" {
				_, _ = w.Write([]byte(`{"files": {"other.txt": {"content": "x"}}}`))
				return
			}
			body, _ := json.Marshal(map[string]any{
				"files": map[string]any{
					"state.json": map[string]string{"content": saved},
				},
			})
			_, _ = w.Write(body)
		case http.MethodPatch:
			var req struct {
				Files map[string]struct {
					Content string `json:"content"`
				} `json:"files"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			saved = req.Files["state.json"].Content
			_, _ = w.Write([]byte(`{}`))
		default:
			http.Error(w, "nope", http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	blob, err := Open(Config{Driver: "gist", GistID: "abc", GistToken: "tok"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	blob.(*gistBlob).base = srv.URL
	ctx := context.Background()

	b, err := blob.Load(ctx)
	if err != nil || b != nil {
		t.Fatalf("load before first save should be (nil, nil), got %q %v", b, err)
	}
	if err := blob.Save(ctx, []byte(`{"lastSeen":{}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	b, err = blob.Load(ctx)
	if err != nil || string(b) != `{"lastSeen":{}}` {
		t.Fatalf("load after save: %q %v", b, err)
	}
}

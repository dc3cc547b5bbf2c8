package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"guildbot/internal/config"
)

func TestTriggerMux(t *testing.T) {
	busy := false
	mux := newTriggerMux("tok", func() bool { return !busy })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	// /run without a token is rejected.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/run", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated run: %v %v", resp.StatusCode, err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/run", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("authorized run: %v %v", resp.StatusCode, err)
	}
	resp.Body.Close()

	// GET is not a trigger.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/run", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET run: %v %v", resp.StatusCode, err)
	}
	resp.Body.Close()

	busy = true
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/run", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy run: %v %v", resp.StatusCode, err)
	}
	resp.Body.Close()
}

func TestMapBounds(t *testing.T) {
	b, err := mapBounds(config.PendingConfig{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if b.DefaultExpiry != 12*time.Hour || b.DefaultRecheck != 5*time.Minute {
		t.Fatalf("defaults wrong: %+v", b)
	}

	b, err = mapBounds(config.PendingConfig{ExpiresAfter: "2h", RecheckWindow: "90s"})
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if b.DefaultExpiry != 2*time.Hour || b.DefaultRecheck != 90*time.Second {
		t.Fatalf("overrides wrong: %+v", b)
	}

	if _, err := mapBounds(config.PendingConfig{ExpiresAfter: "soon"}); err == nil {
		t.Fatal("bad duration must error")
	}
	if _, err := mapBounds(config.PendingConfig{MinExpiry: "4h", MaxExpiry: "1h"}); err == nil {
		t.Fatal("inverted bounds must error")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:8787": true,
		"[::1]:8787":     true,
		"0.0.0.0:8787":   false,
		":8787":          false,
		"10.0.0.5:8787":  false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v, want %v", addr, got, want)
		}
	}
}

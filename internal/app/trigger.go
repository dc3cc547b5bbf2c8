package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"guildbot/internal/config"
	logx "guildbot/pkg/logx"
)

// triggerServer exposes /run (start a run now) and /healthz. It exists
// for deployments that fire runs from an external scheduler instead of,
// or in addition to, the built-in cron.
type triggerServer struct {
	cfg config.TriggerConfig
	log logx.Logger
	run func() bool

	srv *http.Server
}

func newTriggerServer(cfg config.TriggerConfig, log logx.Logger, run func() bool) *triggerServer {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	return &triggerServer{cfg: cfg, log: log, run: run}
}

func (t *triggerServer) Start() {
	// Refuse an unauthenticated non-loopback bind instead of warning.
	if strings.TrimSpace(t.cfg.Token) == "" && !isLoopbackAddr(t.cfg.Addr) {
		t.log.Error("trigger refused to start: non-loopback addr requires a token",
			logx.String("addr", t.cfg.Addr))
		return
	}

	t.srv = &http.Server{
		Addr:         t.cfg.Addr,
		Handler:      newTriggerMux(t.cfg.Token, t.run),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	go func() {
		t.log.Info("trigger listening",
			logx.String("addr", t.cfg.Addr), logx.Bool("token_set", t.cfg.Token != ""))
		if err := t.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("trigger server failed", logx.Err(err))
		}
	}()
}

func (t *triggerServer) Stop() {
	if t.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.srv.Shutdown(ctx)
}

// newTriggerMux builds the handler; run returns false when a run was
// already in flight.
func newTriggerMux(token string, run func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/run", withToken(token, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !run() {
			http.Error(w, "run already in flight", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("run started\n"))
	}))
	return mux
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

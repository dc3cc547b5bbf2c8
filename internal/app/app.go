// Package app wires configuration, logging, the delivery and stats
// clients, state persistence, and the run scheduler into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guildbot/internal/config"
	"guildbot/internal/delivery"
	"guildbot/internal/pending"
	"guildbot/internal/reconcile"
	"guildbot/internal/runner"
	"guildbot/internal/state"
	"guildbot/internal/stats"
	logx "guildbot/pkg/logx"
)

const defaultCronSpec = "@every 10m"

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	blob   state.Blob
	health *delivery.State
	driver *runner.Driver

	// runMu guarantees runs never overlap; a tick that arrives while a
	// run is in flight is skipped, not queued.
	runMu sync.Mutex
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	minInterval, err := config.ParseDurationOrDefault("webhook.min_interval", cfg.Webhook.MinInterval, time.Second)
	if err != nil {
		return nil, err
	}
	health := delivery.NewState()
	client := delivery.NewClient(delivery.Config{
		DefaultEndpoint: cfg.Webhook.Endpoint,
		DebugEndpoint:   cfg.Webhook.DebugEndpoint,
		DebugMode:       cfg.Webhook.DebugMode,
		MinInterval:     minInterval,
	}, health, log.With(logx.String("comp", "delivery")))

	statsTimeout, err := config.ParseDurationOrDefault("stats.timeout", cfg.Stats.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	statsClient := stats.NewClient(stats.Config{
		BaseURL: cfg.Stats.BaseURL,
		Token:   cfg.Stats.Token,
		Timeout: statsTimeout,
	}, log.With(logx.String("comp", "stats")))

	busyTimeout, err := config.ParseDurationOrDefault("state.busy_timeout", cfg.State.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	blob, err := state.Open(state.Config{
		Driver:      cfg.State.Driver,
		Path:        cfg.State.Path,
		GistID:      cfg.State.GistID,
		GistFile:    cfg.State.GistFile,
		GistToken:   cfg.State.GistToken,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "state")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bounds, err := mapBounds(cfg.Pending)
	if err != nil {
		_ = blob.Close()
		_ = logSvc.Close()
		return nil, err
	}
	entryPause, err := config.ParseDurationField("pending.entry_pause", cfg.Pending.EntryPause)
	if err != nil {
		_ = blob.Close()
		_ = logSvc.Close()
		return nil, err
	}

	loop := reconcile.New(reconcile.Config{
		PollBudget: cfg.Pending.PollBudget,
		EntryPause: entryPause,
		Bounds:     bounds,
	}, statsClient, client, health, runner.EmbedBuilder{}, log.With(logx.String("comp", "reconcile")))

	subjects := make([]runner.Subject, 0, len(cfg.Subjects))
	for _, s := range cfg.Subjects {
		subjects = append(subjects, runner.Subject{ID: s.ID, DisplayName: s.DisplayName})
	}
	driver := runner.New(runner.Config{
		Subjects: subjects,
		TestMode: cfg.TestMode,
	}, blob, loop, client, statsClient, log.With(logx.String("comp", "runner")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		blob:    blob,
		health:  health,
		driver:  driver,
	}, nil
}

// mapBounds folds config overrides onto the built-in windows.
func mapBounds(p config.PendingConfig) (pending.Bounds, error) {
	b := pending.DefaultBounds()
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"pending.expires_after", p.ExpiresAfter, &b.DefaultExpiry},
		{"pending.min_expiry", p.MinExpiry, &b.MinExpiry},
		{"pending.max_expiry", p.MaxExpiry, &b.MaxExpiry},
		{"pending.recheck_window", p.RecheckWindow, &b.DefaultRecheck},
		{"pending.min_recheck", p.MinRecheck, &b.MinRecheck},
		{"pending.max_recheck", p.MaxRecheck, &b.MaxRecheck},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return pending.Bounds{}, err
		}
		if d > 0 {
			*f.dst = d
		}
	}
	if b.MinExpiry > b.MaxExpiry {
		return pending.Bounds{}, fmt.Errorf("pending: min_expiry exceeds max_expiry")
	}
	if b.MinRecheck > b.MaxRecheck {
		return pending.Bounds{}, fmt.Errorf("pending: min_recheck exceeds max_recheck")
	}
	return b, nil
}

// TriggerRun executes a run synchronously unless one is already in
// flight. Returns false when the run was skipped.
func (a *App) TriggerRun(ctx context.Context) bool {
	if !a.runMu.TryLock() {
		a.log.Warn("run already in flight, skipping trigger")
		return false
	}
	defer a.runMu.Unlock()
	a.doRun(ctx)
	return true
}

// StartRun kicks off a run in the background; false when one is already
// in flight. Used by the HTTP trigger so slow runs don't hold the
// response open.
func (a *App) StartRun(ctx context.Context) bool {
	if !a.runMu.TryLock() {
		a.log.Warn("run already in flight, skipping trigger")
		return false
	}
	go func() {
		defer a.runMu.Unlock()
		a.doRun(ctx)
	}()
	return true
}

func (a *App) doRun(ctx context.Context) {
	started := time.Now()
	if err := a.driver.RunOnce(ctx); err != nil {
		a.log.Error("run failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		return
	}
	a.log.Info("run complete", logx.Duration("took", time.Since(started)))
}

// RunOnce executes a single run and exits; used by the -once flag.
func (a *App) RunOnce(ctx context.Context) error {
	defer a.close()
	return a.driver.RunOnce(ctx)
}

// Run starts the scheduler, the optional HTTP trigger, and the config
// watcher, then blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go a.reloadLoop(ctx)

	var sched *cron.Cron
	if cfg.Scheduler.Enabled {
		opts := []cron.Option{}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
			opts = append(opts, cron.WithLocation(loc))
		}
		spec := strings.TrimSpace(cfg.Scheduler.Spec)
		if spec == "" {
			spec = defaultCronSpec
		}
		sched = cron.New(opts...)
		if _, err := sched.AddFunc(spec, func() { a.TriggerRun(ctx) }); err != nil {
			return fmt.Errorf("scheduler.spec: %w", err)
		}
		sched.Start()
		a.log.Info("scheduler started", logx.String("spec", spec))
	}

	var trigger *triggerServer
	if cfg.Trigger.Enabled {
		trigger = newTriggerServer(cfg.Trigger, a.log.With(logx.String("comp", "trigger")),
			func() bool { return a.StartRun(ctx) })
		trigger.Start()
	}

	if cfg.Scheduler.RunOnStart {
		go a.TriggerRun(ctx)
	}

	<-ctx.Done()
	a.log.Info("shutting down")

	if trigger != nil {
		trigger.Stop()
	}
	if sched != nil {
		// Let an in-flight scheduled run finish before tearing down.
		<-sched.Stop().Done()
	}
	a.runMu.Lock() // wait out any trigger-initiated run
	a.runMu.Unlock()
	return nil
}

// reloadLoop applies hot config changes. Only logging is live-applied;
// everything else needs a restart and is called out as such.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				if s != "logging" {
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		}
	}
}

func (a *App) close() {
	if a.blob != nil {
		if err := a.blob.Close(); err != nil {
			a.log.Warn("state close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

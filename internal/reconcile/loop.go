// Package reconcile holds the per-run reconciliation pass: for every
// pending notification decide expire, upgrade, or wait, calling the
// delivery and stats collaborators and mutating the run document.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"guildbot/internal/delivery"
	"guildbot/internal/pending"
	"guildbot/internal/state"
	"guildbot/internal/stats"
	"guildbot/internal/timeutil"
	"guildbot/pkg/logx"
)

// StatsSource is the upstream match-data collaborator. A (nil, nil)
// return means "the upstream does not know this match yet".
type StatsSource interface {
	FetchFullMatch(ctx context.Context, matchID string) (*stats.Match, error)
}

// Editor rewrites a previously created message in place. The endpoint is
// the exact base persisted at post time.
type Editor interface {
	Edit(ctx context.Context, messageID string, content any, endpoint string) delivery.Outcome
}

// ContentBuilder renders the two edit payloads the pass needs. Content is
// opaque here; only the delivery client serializes it.
type ContentBuilder interface {
	Full(sub *stats.SubjectRecord, m *stats.Match, snapshot json.RawMessage) any
	Expired(snapshot json.RawMessage) any
}

const (
	defaultPollBudget = 20
	defaultEntryPause = 300 * time.Millisecond
)

type Config struct {
	// PollBudget caps upstream polls per pass; entries beyond it are
	// skipped, not failed. Zero or negative means the default.
	PollBudget int
	// EntryPause is the courtesy delay after each per-entry network call.
	EntryPause time.Duration

	Bounds pending.Bounds
}

// Loop runs one reconciliation pass per invocation. It is synchronous and
// single-threaded; ordering and budget guarantees depend on that.
type Loop struct {
	cfg    Config
	stats  StatsSource
	editor Editor
	health *delivery.State
	build  ContentBuilder
	log    logx.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, src StatsSource, editor Editor, health *delivery.State, build ContentBuilder, log logx.Logger) *Loop {
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = defaultPollBudget
	}
	if cfg.EntryPause <= 0 {
		cfg.EntryPause = defaultEntryPause
	}
	if cfg.Bounds == (pending.Bounds{}) {
		cfg.Bounds = pending.DefaultBounds()
	}
	if health == nil {
		health = delivery.NewState()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		cfg:    cfg,
		stats:  src,
		editor: editor,
		health: health,
		build:  build,
		log:    log,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Reconcile runs one pass over the document's pending entries, oldest
// postedAt first. It returns false when the run must stop: the endpoint
// is hard-blocked, cooling down, or the context is done. State mutated up
// to that point is kept so the caller can still persist it.
func (l *Loop) Reconcile(ctx context.Context, doc *state.Document) bool {
	store := doc.Pending
	if store == nil {
		store = pending.NewStore()
		doc.Pending = store
	}
	store.Normalize(timeutil.FromTime(l.now()), l.cfg.Bounds, l.log)

	var polls, expired, upgraded, dropped int
	for _, key := range store.SortedKeys() {
		e, ok := store.Entries[key]
		if !ok {
			continue
		}
		if ctx.Err() != nil || l.endpointDown() {
			return false
		}

		now := l.now()
		nowEpoch := timeutil.FromTime(now).Epoch()

		// Expiry precedes recheck gating: an entry past its window is
		// never "waiting" for the next poll.
		elapsed := nowEpoch - e.PostedAt.Epoch()
		if elapsed >= l.cfg.Bounds.EffectiveExpiry(e).Seconds() {
			cont := l.expire(ctx, store, key, e, &expired)
			if !cont {
				return false
			}
			continue
		}

		// Recheck spacing conserves upstream quota only; it never feeds
		// the expiry clock. A missing or garbled lastCheckedAt reads as
		// epoch zero and keeps the entry immediately eligible.
		if last := e.LastCheckedAt.Epoch(); last > 0 {
			if nowEpoch-last < l.cfg.Bounds.EffectiveRecheck(e).Seconds() {
				continue
			}
		}

		if polls >= l.cfg.PollBudget {
			continue
		}
		polls++
		e.LastCheckedAt = timeutil.FromTime(now)

		sub, m, ready := l.poll(ctx, e)
		l.pause()
		if !ready {
			continue
		}

		out := l.editor.Edit(ctx, e.MessageID, l.build.Full(sub, m, e.Snapshot), e.WebhookBase)
		l.pause()
		switch out.Code {
		case delivery.CodeOK:
			doc.SetLastSeen(e.SubjectID, e.MatchID)
			store.Delete(key)
			upgraded++
			l.log.Info("pending notification upgraded",
				logx.String("key", key), logx.String("messageId", e.MessageID))
		case delivery.CodeNotFound:
			store.Delete(key)
			dropped++
			l.log.Info("pending message gone upstream, dropping entry", logx.String("key", key))
		case delivery.CodeRateLimited, delivery.CodeHardBlock:
			l.log.Warn("delivery unavailable, aborting run",
				logx.String("key", key), logx.String("code", string(out.Code)))
			return false
		default:
			l.log.Warn("upgrade edit failed, will retry next run", logx.String("key", key))
		}
	}

	l.log.Debug("reconciliation pass finished",
		logx.Int("polls", polls), logx.Int("expired", expired),
		logx.Int("upgraded", upgraded), logx.Int("dropped", dropped),
		logx.Int("remaining", store.Len()))
	return true
}

// expire edits the message to its expired variant and drops the entry.
// Returns false when the outcome demands a run abort.
func (l *Loop) expire(ctx context.Context, store *pending.Store, key string, e *pending.Entry, expired *int) bool {
	out := l.editor.Edit(ctx, e.MessageID, l.build.Expired(e.Snapshot), e.WebhookBase)
	l.pause()
	switch out.Code {
	case delivery.CodeOK:
		store.Delete(key)
		*expired++
		l.log.Info("pending notification expired", logx.String("key", key))
	case delivery.CodeNotFound:
		store.Delete(key)
		l.log.Info("expired message already gone, dropping entry", logx.String("key", key))
	case delivery.CodeRateLimited, delivery.CodeHardBlock:
		l.log.Warn("delivery unavailable during expiry, aborting run",
			logx.String("key", key), logx.String("code", string(out.Code)))
		return false
	default:
		l.log.Warn("expiry edit failed, keeping entry for next run", logx.String("key", key))
	}
	return true
}

// poll fetches the entry's match and reports whether the completion score
// is present. Quota exhaustion and transport errors read as "not ready".
func (l *Loop) poll(ctx context.Context, e *pending.Entry) (*stats.SubjectRecord, *stats.Match, bool) {
	m, err := l.stats.FetchFullMatch(ctx, e.MatchID)
	if err != nil {
		if errors.Is(err, stats.ErrQuotaExceeded) {
			l.log.Debug("stats quota exhausted, leaving entry pending", logx.String("key", e.Key()))
		} else {
			l.log.Warn("stats fetch failed, leaving entry pending",
				logx.String("key", e.Key()), logx.Err(err))
		}
		return nil, nil, false
	}
	if m == nil {
		return nil, nil, false
	}
	sub := m.Subject(e.SubjectID)
	if sub == nil || sub.Score == nil {
		return nil, nil, false
	}
	return sub, m, true
}

func (l *Loop) endpointDown() bool {
	return l.health.HardBlocked() || l.health.CooldownActive()
}

func (l *Loop) pause() {
	l.sleep(l.cfg.EntryPause)
}

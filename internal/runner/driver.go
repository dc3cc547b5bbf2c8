// Package runner drives one full run: load the persisted document,
// reconcile pending notifications, process tracked subjects, and persist
// whatever state changed, even after an aborted pass.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"guildbot/internal/delivery"
	"guildbot/internal/format"
	"guildbot/internal/pending"
	"guildbot/internal/state"
	"guildbot/internal/stats"
	"guildbot/internal/timeutil"
	"guildbot/pkg/logx"
)

// Subject is one tracked participant.
type Subject struct {
	ID          string
	DisplayName string
}

// Messenger is the delivery surface the driver needs.
type Messenger interface {
	Create(ctx context.Context, content any, endpoint string, wantMessageID bool) delivery.Outcome
	Edit(ctx context.Context, messageID string, content any, endpoint string) delivery.Outcome
	ResolveEndpoint(endpoint string) string
	State() *delivery.State
}

// StatsSource is the upstream data surface the driver needs.
type StatsSource interface {
	FetchFullMatch(ctx context.Context, matchID string) (*stats.Match, error)
	LatestMatchID(ctx context.Context, subjectID string) (string, error)
}

// Reconciler runs the pending-entry pass. False means the run must stop.
type Reconciler interface {
	Reconcile(ctx context.Context, doc *state.Document) bool
}

type Config struct {
	Subjects []Subject
	// Endpoint is the webhook base for new posts; empty uses the
	// delivery client's default.
	Endpoint string
	// TestMode disables real delivery and skips the final save; content
	// is logged instead.
	TestMode bool
}

type Driver struct {
	cfg   Config
	blob  state.Blob
	rec   Reconciler
	msg   Messenger
	stats StatsSource
	log   logx.Logger
}

func New(cfg Config, blob state.Blob, rec Reconciler, msg Messenger, src StatsSource, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Driver{cfg: cfg, blob: blob, rec: rec, msg: msg, stats: src, log: log}
	if cfg.TestMode {
		var st *delivery.State
		if msg != nil {
			st = msg.State()
		}
		d.msg = &loggingMessenger{log: log, state: st}
		d.log.Info("test mode active, delivery disabled and save skipped")
	}
	return d
}

// RunOnce executes one complete run. A corrupt persisted document reads
// as empty; a transport failure on load aborts the run instead, so a
// blind save cannot wipe state that still exists remotely.
func (d *Driver) RunOnce(ctx context.Context) error {
	raw, err := d.blob.Load(ctx)
	if err != nil {
		return fmt.Errorf("runner: load state: %w", err)
	}
	doc := state.Decode(raw, d.log)
	before := doc.Pending.Len()

	cont := d.rec.Reconcile(ctx, doc)
	if cont {
		d.processSubjects(ctx, doc)
	} else {
		d.log.Warn("reconciliation aborted, skipping subject processing this run")
	}

	if d.cfg.TestMode {
		d.log.Info("test mode, not persisting state", logx.Int("pending", doc.Pending.Len()))
		return nil
	}
	b, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("runner: encode state: %w", err)
	}
	if err := d.blob.Save(ctx, b); err != nil {
		return fmt.Errorf("runner: save state: %w", err)
	}
	d.log.Debug("run finished",
		logx.Int("pendingBefore", before), logx.Int("pendingAfter", doc.Pending.Len()),
		logx.Bool("aborted", !cont))
	return nil
}

// processSubjects walks the tracked subjects, posting a notification for
// each fresh match: full content when the score is already there, a
// placeholder plus a pending entry otherwise.
func (d *Driver) processSubjects(ctx context.Context, doc *state.Document) {
	for _, s := range d.cfg.Subjects {
		if ctx.Err() != nil || d.endpointDown() {
			d.log.Warn("stopping subject processing early")
			return
		}
		if !d.processSubject(ctx, doc, s) {
			return
		}
	}
}

// processSubject handles one subject. Returns false when the whole run
// must stop (quota spent, delivery down).
func (d *Driver) processSubject(ctx context.Context, doc *state.Document, s Subject) bool {
	matchID, err := d.stats.LatestMatchID(ctx, s.ID)
	if err != nil {
		if errors.Is(err, stats.ErrQuotaExceeded) {
			d.log.Warn("stats quota exhausted, stopping subject processing")
			return false
		}
		d.log.Warn("latest match lookup failed", logx.String("subject", s.ID), logx.Err(err))
		return true
	}
	if matchID == "" {
		return true
	}
	if seen, _ := doc.LastSeenMatch(s.ID); seen == matchID {
		return true
	}

	m, err := d.stats.FetchFullMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, stats.ErrQuotaExceeded) {
			d.log.Warn("stats quota exhausted, stopping subject processing")
			return false
		}
		d.log.Warn("match fetch failed", logx.String("match", matchID), logx.Err(err))
		return true
	}
	if m == nil {
		return true
	}
	sub := m.Subject(s.ID)
	if sub == nil {
		d.log.Debug("subject absent from match blob, retrying next run",
			logx.String("subject", s.ID), logx.String("match", matchID))
		return true
	}

	// A pending placeholder for this (match, subject) may already exist
	// from an earlier run; never post a duplicate.
	if e, key := doc.Pending.Get(matchID, s.ID); e != nil {
		if sub.Score == nil {
			return true
		}
		out := d.msg.Edit(ctx, e.MessageID, format.Full(sub, m, format.DisplayNameFromSnapshot(e.Snapshot)), e.WebhookBase)
		switch out.Code {
		case delivery.CodeOK, delivery.CodeNotFound:
			doc.Pending.Delete(key)
			if out.Code == delivery.CodeOK {
				doc.SetLastSeen(s.ID, matchID)
			}
			return true
		case delivery.CodeRateLimited, delivery.CodeHardBlock:
			return false
		default:
			return true
		}
	}

	if sub.Score != nil {
		out := d.msg.Create(ctx, format.Full(sub, m, s.DisplayName), d.cfg.Endpoint, false)
		switch out.Code {
		case delivery.CodeOK:
			doc.SetLastSeen(s.ID, matchID)
			d.log.Info("posted full notification",
				logx.String("subject", s.ID), logx.String("match", matchID))
			return true
		case delivery.CodeRateLimited, delivery.CodeHardBlock:
			return false
		default:
			return true
		}
	}

	snap := format.NewSnapshot(sub, m, s.DisplayName)
	out := d.msg.Create(ctx, format.Placeholder(snap), d.cfg.Endpoint, true)
	switch out.Code {
	case delivery.CodeOK:
		rawSnap, err := json.Marshal(snap)
		if err != nil {
			rawSnap = nil
		}
		doc.Pending.Put(&pending.Entry{
			SubjectID:   s.ID,
			MatchID:     matchID,
			MessageID:   out.MessageID,
			WebhookBase: delivery.StripQuery(d.msg.ResolveEndpoint(d.cfg.Endpoint)),
			PostedAt:    timeutil.NowStamp(),
			Snapshot:    rawSnap,
		})
		doc.SetLastSeen(s.ID, matchID)
		d.log.Info("posted placeholder, tracking pending entry",
			logx.String("subject", s.ID), logx.String("match", matchID),
			logx.String("messageId", out.MessageID))
		return true
	case delivery.CodeRateLimited, delivery.CodeHardBlock:
		return false
	default:
		return true
	}
}

func (d *Driver) endpointDown() bool {
	st := d.msg.State()
	return st.HardBlocked() || st.CooldownActive()
}

// EmbedBuilder adapts the format package to the reconciliation pass.
type EmbedBuilder struct{}

func (EmbedBuilder) Full(sub *stats.SubjectRecord, m *stats.Match, snapshot json.RawMessage) any {
	return format.Full(sub, m, format.DisplayNameFromSnapshot(snapshot))
}

func (EmbedBuilder) Expired(snapshot json.RawMessage) any {
	return format.Expired(snapshot)
}

// loggingMessenger replaces real delivery in test mode. Every call
// succeeds with a synthetic message id.
type loggingMessenger struct {
	log   logx.Logger
	state *delivery.State
	n     int
}

func (l *loggingMessenger) Create(_ context.Context, content any, endpoint string, wantMessageID bool) delivery.Outcome {
	l.n++
	id := ""
	if wantMessageID {
		id = fmt.Sprintf("test-%d", l.n)
	}
	l.log.Info("test mode create", logx.String("endpoint", endpoint), logx.Any("content", content))
	return delivery.Outcome{OK: true, MessageID: id, Code: delivery.CodeOK}
}

func (l *loggingMessenger) Edit(_ context.Context, messageID string, content any, endpoint string) delivery.Outcome {
	l.log.Info("test mode edit",
		logx.String("messageId", messageID), logx.String("endpoint", endpoint), logx.Any("content", content))
	return delivery.Outcome{OK: true, Code: delivery.CodeOK}
}

func (l *loggingMessenger) ResolveEndpoint(endpoint string) string {
	if endpoint != "" {
		return endpoint
	}
	return "test://delivery"
}

func (l *loggingMessenger) State() *delivery.State {
	if l.state == nil {
		l.state = delivery.NewState()
	}
	return l.state
}

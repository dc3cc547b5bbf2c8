// Package pending models the set of outstanding notifications: messages
// posted with placeholder content that are still waiting for completed
// match data.
package pending

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"guildbot/internal/timeutil"
)

// Entry is one outstanding notification awaiting completion.
//
// An entry lives in the store only while Pending; a reconciliation pass
// removes it on upgrade (data arrived, message rewritten), on expiry
// (window closed), or when the remote message is gone.
type Entry struct {
	SubjectID   string `json:"subjectId"`
	MatchID     string `json:"matchId"`
	MessageID   string `json:"messageId"`
	WebhookBase string `json:"webhookBase"`

	PostedAt      timeutil.Stamp `json:"postedAt,omitempty"`
	LastCheckedAt timeutil.Stamp `json:"lastCheckedAt,omitempty"`

	// Per-entry overrides of the expiry / recheck windows, in seconds.
	// Zero means "use the configured default".
	ExpiresAfterSec  int64 `json:"expiresAfterSec,omitempty"`
	RecheckWindowSec int64 `json:"recheckWindowSec,omitempty"`

	// Snapshot is the placeholder content blob captured at post time,
	// reused verbatim to build the expired variant.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Key returns the canonical composite key "<matchId>:<subjectId>".
// This exact format is a persisted-state contract.
func (e *Entry) Key() string {
	return CompositeKey(e.MatchID, e.SubjectID)
}

func CompositeKey(matchID, subjectID string) string {
	return matchID + ":" + subjectID
}

// wellFormed reports whether the entry carries everything an edit needs.
func (e *Entry) wellFormed() bool {
	return e != nil &&
		strings.TrimSpace(e.SubjectID) != "" &&
		strings.TrimSpace(e.MatchID) != "" &&
		strings.TrimSpace(e.MessageID) != "" &&
		strings.TrimSpace(e.WebhookBase) != ""
}

// UnmarshalJSON tolerates the legacy persisted shapes: numeric ids,
// float override seconds, and the transitional postedAtIso field.
func (e *Entry) UnmarshalJSON(b []byte) error {
	type wire struct {
		SubjectID   flexID `json:"subjectId"`
		MatchID     flexID `json:"matchId"`
		MessageID   flexID `json:"messageId"`
		WebhookBase string `json:"webhookBase"`

		PostedAt    timeutil.Stamp `json:"postedAt"`
		PostedAtISO timeutil.Stamp `json:"postedAtIso"`

		LastCheckedAt timeutil.Stamp `json:"lastCheckedAt"`

		ExpiresAfterSec  *float64 `json:"expiresAfterSec"`
		RecheckWindowSec *float64 `json:"recheckWindowSec"`

		Snapshot json.RawMessage `json:"snapshot"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	e.SubjectID = string(w.SubjectID)
	e.MatchID = string(w.MatchID)
	e.MessageID = string(w.MessageID)
	e.WebhookBase = strings.TrimSpace(w.WebhookBase)
	e.PostedAt = w.PostedAt
	if e.PostedAt.IsZero() && !w.PostedAtISO.IsZero() {
		e.PostedAt = w.PostedAtISO
	}
	e.LastCheckedAt = w.LastCheckedAt
	if w.ExpiresAfterSec != nil {
		e.ExpiresAfterSec = int64(*w.ExpiresAfterSec)
	}
	if w.RecheckWindowSec != nil {
		e.RecheckWindowSec = int64(*w.RecheckWindowSec)
	}
	e.Snapshot = w.Snapshot
	return nil
}

// flexID decodes an opaque identifier that legacy states persisted as
// either a JSON string or a bare number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		*f = ""
		return nil
	}
	if raw[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			*f = ""
			return nil
		}
		*f = flexID(strings.TrimSpace(v))
		return nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		*f = flexID(raw)
		return nil
	}
	*f = ""
	return nil
}

// Bounds holds the configured expiry/recheck windows. All numeric limits
// are explicit configuration, never inferred.
type Bounds struct {
	DefaultExpiry time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration

	DefaultRecheck time.Duration
	MinRecheck     time.Duration
	MaxRecheck     time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		DefaultExpiry: 12 * time.Hour,
		MinExpiry:     30 * time.Minute,
		MaxExpiry:     48 * time.Hour,

		DefaultRecheck: 5 * time.Minute,
		MinRecheck:     30 * time.Second,
		MaxRecheck:     time.Hour,
	}
}

// EffectiveExpiry resolves the expiry window for one entry: the entry's
// own override if present, else the configured default, both bounded.
func (b Bounds) EffectiveExpiry(e *Entry) time.Duration {
	if e != nil && e.ExpiresAfterSec > 0 {
		return clamp(time.Duration(e.ExpiresAfterSec)*time.Second, b.MinExpiry, b.MaxExpiry)
	}
	return clamp(b.DefaultExpiry, b.MinExpiry, b.MaxExpiry)
}

// EffectiveRecheck resolves the minimum spacing between upstream polls
// for one entry.
func (b Bounds) EffectiveRecheck(e *Entry) time.Duration {
	if e != nil && e.RecheckWindowSec > 0 {
		return clamp(time.Duration(e.RecheckWindowSec)*time.Second, b.MinRecheck, b.MaxRecheck)
	}
	return clamp(b.DefaultRecheck, b.MinRecheck, b.MaxRecheck)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

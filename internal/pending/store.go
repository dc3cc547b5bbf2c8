package pending

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"guildbot/internal/timeutil"
	"guildbot/pkg/logx"
)

// Store is the in-memory set of pending entries, keyed by composite key.
// It is owned exclusively by the reconciliation pass for the duration of
// a run; there is no concurrent mutation.
type Store struct {
	Entries map[string]*Entry
}

func NewStore() *Store {
	return &Store{Entries: map[string]*Entry{}}
}

// FromRaw decodes a persisted pending map. Values that are not well-formed
// JSON objects are dropped; everything else is kept for Normalize to sort
// out.
func FromRaw(raw map[string]json.RawMessage, log logx.Logger) *Store {
	s := NewStore()
	for k, v := range raw {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			log.Warn("dropping undecodable pending entry", logx.String("key", k), logx.Err(err))
			continue
		}
		s.Entries[k] = &e
	}
	return s
}

func (s *Store) Len() int { return len(s.Entries) }

// Get returns the entry for a (match, subject) pair, checking the
// composite key first and falling back to a legacy bare-match-id key that
// belongs to the same subject.
func (s *Store) Get(matchID, subjectID string) (*Entry, string) {
	key := CompositeKey(matchID, subjectID)
	if e, ok := s.Entries[key]; ok {
		return e, key
	}
	if e, ok := s.Entries[matchID]; ok && e != nil && e.SubjectID == subjectID {
		return e, matchID
	}
	return nil, ""
}

func (s *Store) Put(e *Entry) {
	if s.Entries == nil {
		s.Entries = map[string]*Entry{}
	}
	s.Entries[e.Key()] = e
}

func (s *Store) Delete(key string) {
	delete(s.Entries, key)
}

// SortedKeys returns keys in ascending postedAt order (oldest first),
// breaking ties by key for determinism. This ordering gives fairness
// under the per-run poll budget.
func (s *Store) SortedKeys() []string {
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.Entries[keys[i]], s.Entries[keys[j]]
		ea, eb := a.PostedAt.Epoch(), b.PostedAt.Epoch()
		if ea != eb {
			return ea < eb
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Normalize cleans and migrates the store in place:
//
//   - drop entries missing any of subjectId/matchId/messageId/webhookBase
//     (corrupt; fail-open rather than crash the loop)
//   - default postedAt to now when absent
//   - clamp positive window overrides into bounds, discard non-positive ones
//   - rewrite legacy bare-match-id keys to composite form, unless the
//     composite key already exists (collision: keep both, log, never
//     silently drop data)
//
// Normalize is idempotent: a second run produces no further changes.
func (s *Store) Normalize(now timeutil.Stamp, b Bounds, log logx.Logger) {
	if s.Entries == nil {
		s.Entries = map[string]*Entry{}
		return
	}

	// Pass 1: drop junk, repair fields, collect rekeys.
	drop := []string{}
	move := map[string]string{} // legacy key -> composite key
	for k, e := range s.Entries {
		if !e.wellFormed() {
			log.Warn("dropping corrupt pending entry", logx.String("key", k))
			drop = append(drop, k)
			continue
		}

		if e.PostedAt.IsZero() {
			e.PostedAt = now
		}

		if e.ExpiresAfterSec != 0 {
			e.ExpiresAfterSec = clampOverrideSec(e.ExpiresAfterSec, b.MinExpiry, b.MaxExpiry)
		}
		if e.RecheckWindowSec != 0 {
			e.RecheckWindowSec = clampOverrideSec(e.RecheckWindowSec, b.MinRecheck, b.MaxRecheck)
		}

		if !strings.Contains(k, ":") {
			composite := e.Key()
			if composite == k {
				continue
			}
			if _, exists := s.Entries[composite]; exists {
				// Destructive overwrite is worse than a duplicate: keep
				// the legacy entry and flag it for manual inspection.
				log.Warn("legacy pending key collides with composite entry, keeping both",
					logx.String("legacy", k), logx.String("composite", composite))
				continue
			}
			move[k] = composite
		}
	}

	for _, k := range drop {
		delete(s.Entries, k)
	}
	for legacy, composite := range move {
		if _, exists := s.Entries[composite]; exists {
			// A concurrent rekey in this same pass claimed the slot.
			log.Warn("legacy pending key collides with composite entry, keeping both",
				logx.String("legacy", legacy), logx.String("composite", composite))
			continue
		}
		s.Entries[composite] = s.Entries[legacy]
		delete(s.Entries, legacy)
		log.Info("migrated legacy pending key",
			logx.String("legacy", legacy), logx.String("composite", composite))
	}
}

// clampOverrideSec bounds a per-entry override. Non-positive or otherwise
// nonsensical values are discarded (zero = use default) rather than erroring.
func clampOverrideSec(sec int64, lo, hi time.Duration) int64 {
	if sec <= 0 {
		return 0
	}
	d := clamp(time.Duration(sec)*time.Second, lo, hi)
	return int64(d / time.Second)
}

// Package state persists the bot's run document: the pending-notification
// map plus each subject's last-seen match marker. The document is stored
// as one JSON blob behind a pluggable driver (file, gist, sqlite).
package state

import (
	"encoding/json"
	"strconv"
	"strings"

	"guildbot/internal/pending"
	"guildbot/pkg/logx"
)

// Document is the in-memory run state. It is owned by exactly one run at
// a time.
type Document struct {
	Pending  *pending.Store
	LastSeen map[string]string // subjectId -> last processed matchId
}

func EmptyDocument() *Document {
	return &Document{
		Pending:  pending.NewStore(),
		LastSeen: map[string]string{},
	}
}

func (d *Document) LastSeenMatch(subjectID string) (string, bool) {
	v, ok := d.LastSeen[subjectID]
	return v, ok
}

func (d *Document) SetLastSeen(subjectID, matchID string) {
	if d.LastSeen == nil {
		d.LastSeen = map[string]string{}
	}
	d.LastSeen[subjectID] = matchID
}

// Decode parses a persisted document. It never fails: an empty or corrupt
// blob yields an empty document, and the original flat layout (subject
// markers as top-level numeric keys next to "pending") is migrated.
func Decode(b []byte, log logx.Logger) *Document {
	doc := EmptyDocument()
	if len(b) == 0 {
		return doc
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		log.Warn("state document corrupt, starting empty", logx.Err(err))
		return doc
	}

	for key, raw := range top {
		switch key {
		case "pending":
			var pm map[string]json.RawMessage
			if err := json.Unmarshal(raw, &pm); err != nil {
				log.Warn("pending map corrupt, starting empty", logx.Err(err))
				continue
			}
			doc.Pending = pending.FromRaw(pm, log)
		case "lastSeen":
			var ls map[string]json.RawMessage
			if err := json.Unmarshal(raw, &ls); err != nil {
				log.Warn("lastSeen map corrupt, ignoring", logx.Err(err))
				continue
			}
			for sid, v := range ls {
				if mid := scalarID(v); mid != "" {
					doc.LastSeen[sid] = mid
				}
			}
		default:
			// Legacy flat layout: "<subjectId>": <matchId> at top level.
			if !looksLikeID(key) {
				log.Debug("ignoring unknown state key", logx.String("key", key))
				continue
			}
			if mid := scalarID(raw); mid != "" {
				doc.LastSeen[key] = mid
			}
		}
	}
	return doc
}

// Encode renders the canonical persisted layout.
func (d *Document) Encode() ([]byte, error) {
	out := struct {
		Pending  map[string]*pending.Entry `json:"pending"`
		LastSeen map[string]string         `json:"lastSeen"`
	}{
		Pending:  map[string]*pending.Entry{},
		LastSeen: d.LastSeen,
	}
	if d.Pending != nil {
		out.Pending = d.Pending.Entries
	}
	if out.LastSeen == nil {
		out.LastSeen = map[string]string{}
	}
	return json.MarshalIndent(out, "", "  ")
}

// scalarID renders a JSON string or number as an id, "" otherwise.
func scalarID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	return ""
}

// looksLikeID reports whether a top-level key is a plausible subject id
// from the legacy flat layout.
func looksLikeID(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package format builds the webhook embed payloads: the placeholder
// posted before analysis data is ready, the full variant once the score
// arrives, and the expired variant when the window closes.
//
// The reconciliation core treats these values as opaque content; only the
// delivery client serializes them.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"guildbot/internal/stats"
)

const (
	colorVictory = 0x2ECC71
	colorDefeat  = 0xE74C3C
	colorNeutral = 0x95A5A6

	pendingStatusNote = "Detailed analysis pending — stats will appear here once ready."
	expiredStatusNote = "Stats window expired — final analysis unavailable."
)

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// Message is the webhook payload shape for both create and edit calls.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

// Snapshot captures everything needed to re-render the placeholder later
// (for the expired variant) without refetching anything. It is persisted
// verbatim inside the pending entry.
type Snapshot struct {
	SubjectID   string `json:"subjectId"`
	MatchID     string `json:"matchId"`
	DisplayName string `json:"displayName"`

	Kills     int   `json:"kills"`
	Deaths    int   `json:"deaths"`
	Assists   int   `json:"assists"`
	IsVictory *bool `json:"isVictory,omitempty"`

	DurationSec int64  `json:"durationSec,omitempty"`
	StatusNote  string `json:"statusNote,omitempty"`
}

// NewSnapshot captures a subject's placeholder state from the match blob.
// displayName wins over the upstream name so nickname resolution done at
// post time stays stable for the life of the notification.
func NewSnapshot(sub *stats.SubjectRecord, m *stats.Match, displayName string) Snapshot {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = sub.DisplayName
	}
	return Snapshot{
		SubjectID:   sub.SubjectID,
		MatchID:     m.MatchID,
		DisplayName: name,
		Kills:       sub.Kills,
		Deaths:      sub.Deaths,
		Assists:     sub.Assists,
		IsVictory:   sub.IsVictory,
		DurationSec: m.DurationSec,
		StatusNote:  pendingStatusNote,
	}
}

// DecodeSnapshot restores a persisted snapshot blob, tolerating missing
// or malformed data (a zero Snapshot still renders).
func DecodeSnapshot(raw json.RawMessage) Snapshot {
	var s Snapshot
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// DisplayNameFromSnapshot extracts the captured display name, empty when
// the blob has none.
func DisplayNameFromSnapshot(raw json.RawMessage) string {
	return strings.TrimSpace(DecodeSnapshot(raw).DisplayName)
}

// Placeholder renders the initial, incomplete notification.
func Placeholder(snap Snapshot) Message {
	note := snap.StatusNote
	if note == "" {
		note = pendingStatusNote
	}
	return Message{Embeds: []Embed{{
		Title:  fmt.Sprintf("%s finished a match (Pending Stats)", name(snap.DisplayName)),
		Color:  resultColor(snap.IsVictory),
		Fields: baseFields(snap.Kills, snap.Deaths, snap.Assists, snap.IsVictory, note),
	}}}
}

// Expired renders the terminal variant of a placeholder whose analysis
// window closed: same structure, status note swapped.
func Expired(raw json.RawMessage) Message {
	snap := DecodeSnapshot(raw)
	snap.StatusNote = expiredStatusNote
	return Message{Embeds: []Embed{{
		Title:  fmt.Sprintf("%s finished a match", name(snap.DisplayName)),
		Color:  resultColor(snap.IsVictory),
		Fields: baseFields(snap.Kills, snap.Deaths, snap.Assists, snap.IsVictory, snap.StatusNote),
	}}}
}

// Full renders the completed notification once the analysis score exists.
func Full(sub *stats.SubjectRecord, m *stats.Match, displayName string) Message {
	n := strings.TrimSpace(displayName)
	if n == "" {
		n = sub.DisplayName
	}
	fields := []EmbedField{
		{Name: "K / D / A", Value: fmt.Sprintf("%d / %d / %d", sub.Kills, sub.Deaths, sub.Assists), Inline: true},
		{Name: "Result", Value: resultText(sub.IsVictory), Inline: true},
	}
	if sub.Score != nil {
		fields = append(fields, EmbedField{Name: "IMP", Value: fmt.Sprintf("%+.1f", *sub.Score), Inline: true})
	}
	if m.DurationSec > 0 {
		fields = append(fields, EmbedField{
			Name:   "Duration",
			Value:  fmt.Sprintf("%d:%02d", m.DurationSec/60, m.DurationSec%60),
			Inline: true,
		})
	}
	return Message{Embeds: []Embed{{
		Title:  fmt.Sprintf("%s finished a match", name(n)),
		Color:  resultColor(sub.IsVictory),
		Fields: fields,
	}}}
}

func baseFields(k, d, a int, victory *bool, note string) []EmbedField {
	return []EmbedField{
		{Name: "K / D / A", Value: fmt.Sprintf("%d / %d / %d", k, d, a), Inline: true},
		{Name: "Result", Value: resultText(victory), Inline: true},
		{Name: "Status", Value: note},
	}
}

func name(n string) string {
	n = strings.TrimSpace(n)
	if n == "" {
		return "A tracked player"
	}
	return n
}

func resultText(victory *bool) string {
	switch {
	case victory == nil:
		return "Unknown"
	case *victory:
		return "Victory"
	default:
		return "Defeat"
	}
}

func resultColor(victory *bool) int {
	switch {
	case victory == nil:
		return colorNeutral
	case *victory:
		return colorVictory
	default:
		return colorDefeat
	}
}

// Package timeutil is the single source of truth for how guildbot writes
// and reads timestamps in persisted state.
//
// Written values are ISO-8601 strings in UTC. Readers additionally accept
// legacy numeric epochs and a handful of historical text shapes, and never
// fail: anything unparseable maps to epoch 0, which callers treat as
// "infinitely old" so expiry and recheck math stay biased toward action.
package timeutil

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// StampLayout is the canonical persisted representation.
const StampLayout = "2006-01-02T15:04:05.999999Z07:00"

// Stamp is a persisted UTC timestamp.
//
// It marshals as canonical ISO-8601 text and unmarshals from canonical
// text, legacy numeric epochs, or garbage (kept verbatim; Epoch() maps it
// to 0).
type Stamp string

// Now returns the current UTC time.
func Now() time.Time { return time.Now().UTC() }

// NowStamp returns the current UTC time in the canonical persisted form.
func NowStamp() Stamp { return FromTime(Now()) }

// FromTime converts a time to the canonical persisted form.
func FromTime(t time.Time) Stamp {
	return Stamp(t.UTC().Format(StampLayout))
}

// FromEpoch converts epoch seconds to the canonical persisted form.
func FromEpoch(sec float64) Stamp {
	nsec := int64(sec * float64(time.Second))
	return FromTime(time.Unix(0, nsec))
}

// IsZero reports whether the stamp is empty.
func (s Stamp) IsZero() bool { return strings.TrimSpace(string(s)) == "" }

// Epoch converts the stamp to epoch seconds, 0 when unparseable.
func (s Stamp) Epoch() float64 { return ToEpoch(string(s)) }

func (s Stamp) String() string { return string(s) }

// UnmarshalJSON accepts canonical text, legacy epoch numbers, or null.
// It never fails; unrecognized JSON shapes decode to the empty stamp.
func (s *Stamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		*s = ""
		return nil
	}
	if raw[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			*s = ""
			return nil
		}
		*s = Stamp(v)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*s = FromEpoch(f)
		return nil
	}
	*s = ""
	return nil
}

func (s Stamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// ToEpoch converts a persisted timestamp value to epoch seconds.
//
// Accepted inputs:
//   - float64 / int / int64 / json.Number: legacy epoch seconds
//   - string: ISO-8601 with offset, trailing 'Z', or naive (treated as UTC)
//   - Stamp, *time.Time, time.Time
//
// It never fails. Empty, nil, or unparseable values return 0, which
// callers must treat as "very old".
func ToEpoch(value any) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case time.Time:
		return timeToEpoch(v)
	case Stamp:
		return parseTextEpoch(string(v))
	case string:
		return parseTextEpoch(v)
	default:
		return 0
	}
}

func parseTextEpoch(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	// Legacy states occasionally persisted bare numeric epochs as text.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	// Normalize a trailing 'Z' to an explicit UTC offset.
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}

	for _, layout := range []string{
		StampLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999-07:00",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return timeToEpoch(t)
		}
	}

	// Naive timestamps (no offset) are UTC per the state contract.
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return timeToEpoch(t)
		}
	}

	return 0
}

func timeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Package stats talks to the upstream match-analysis API. The upstream
// is quota-limited; quota exhaustion is a first-class, transient signal
// that callers treat as "data not ready yet".
package stats

import "errors"

// ErrQuotaExceeded reports that the upstream declined the request because
// the API quota is spent. Callers must not treat this as a failure of the
// match itself.
var ErrQuotaExceeded = errors.New("stats: quota exceeded")

// SubjectRecord is one tracked participant's slice of a match.
type SubjectRecord struct {
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName"`

	Kills   int `json:"kills"`
	Deaths  int `json:"deaths"`
	Assists int `json:"assists"`

	IsVictory *bool `json:"isVictory,omitempty"`

	// Score is the post-match analysis value ("IMP"). It stays null until
	// the upstream has finished computing it, often minutes after the
	// match itself is available.
	Score *float64 `json:"score,omitempty"`
}

// Match is the full match blob as returned by the upstream.
type Match struct {
	MatchID     string          `json:"matchId"`
	DurationSec int64           `json:"durationSec"`
	Subjects    []SubjectRecord `json:"subjects"`
}

// Subject locates a participant by id, nil when absent.
func (m *Match) Subject(subjectID string) *SubjectRecord {
	if m == nil {
		return nil
	}
	for i := range m.Subjects {
		if m.Subjects[i].SubjectID == subjectID {
			return &m.Subjects[i]
		}
	}
	return nil
}

package delivery

import "time"

// Code classifies the result of one delivery operation.
//
// Collapsing every failure into these five codes lets the reconciliation
// loop apply one uniform policy (abort run / drop entry / retry later)
// instead of branching on transport details.
type Code string

const (
	CodeOK          Code = "ok"
	CodeRateLimited Code = "rate_limited"
	CodeHardBlock   Code = "hard_block"
	CodeNotFound    Code = "not_found"
	CodeOtherError  Code = "other_error"
)

// Outcome is the uniform result of a Create or Edit call.
//
// MessageID is set only when the caller asked for one and the endpoint
// returned it. RetryAfter is meaningful for CodeRateLimited (remaining or
// requested cooldown) and advisory for CodeHardBlock.
type Outcome struct {
	OK         bool
	MessageID  string
	Code       Code
	RetryAfter time.Duration
}

func okOutcome(messageID string) Outcome {
	return Outcome{OK: true, MessageID: messageID, Code: CodeOK}
}

func failOutcome(code Code, retryAfter time.Duration) Outcome {
	return Outcome{Code: code, RetryAfter: retryAfter}
}

package domain

import "time"

// GuardResult is the outcome of a guard check.
type GuardResult struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Guard      string        `json:"guard,omitempty"` // which guard blocked
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// CodeRateLimited is returned when a caller exceeds its request budget.
const CodeRateLimited = "rate_limited"

func ErrRateLimited(msg string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: msg, Status: 429, Retryable: true}
}

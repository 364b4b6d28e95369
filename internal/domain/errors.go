package domain

import (
	"errors"
	"fmt"
)

// Reason codes are the stable, user-visible identifiers of every rejection.
// The presentation layer renders messages from these and never from Message.
const (
	CodeInsufficientBalance  = "insufficient_balance"
	CodeRoundClosed          = "round_closed"
	CodeInvalidChoice        = "invalid_choice"
	CodeSelfExcluded         = "self_excluded"
	CodeAdminExcluded        = "admin_excluded"
	CodeLimitExceeded        = "limit_exceeded"
	CodeRoomFull             = "room_full"
	CodeInvalidRoomState     = "invalid_room_state"
	CodeConcurrencyConflict  = "concurrency_conflict"
	CodeMalformedTransaction = "malformed_transaction"
	CodeIdempotencyMismatch  = "idempotency_mismatch"
	CodeSettlementFailure    = "settlement_failure"
	CodeFairnessViolation    = "fairness_verification_failure"
	CodeGameHalted           = "game_halted"
	CodeRiskDenied           = "risk_denied"
	CodeNotFound             = "not_found"
	CodeValidation           = "validation_error"
	CodeUnauthorized         = "unauthorized"
	CodeForbidden            = "forbidden"
	CodeInternal             = "internal_error"
)

// AppError is the base domain error type.
type AppError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Status    int    `json:"-"`
	Retryable bool   `json:"-"`
	Cause     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// CodeOf returns the reason code carried by err, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err (or anything it wraps) is an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsRetryable reports whether the caller may safely retry the failed operation.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Standard domain error constructors.

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: CodeValidation, Message: msg, Status: 400}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: msg, Status: 401}
}

func ErrForbidden(msg string) *AppError {
	return &AppError{Code: CodeForbidden, Message: msg, Status: 403}
}

func ErrInsufficientBalance(walletID string) *AppError {
	return &AppError{Code: CodeInsufficientBalance, Message: "insufficient balance", Detail: walletID, Status: 422}
}

func ErrMalformedTransaction(msg string) *AppError {
	return &AppError{Code: CodeMalformedTransaction, Message: msg, Status: 400}
}

func ErrIdempotencyMismatch(key string) *AppError {
	return &AppError{Code: CodeIdempotencyMismatch, Message: fmt.Sprintf("idempotency key %s reused with different entries", key), Status: 409}
}

func ErrConcurrencyConflict(attempts int) *AppError {
	return &AppError{
		Code:      CodeConcurrencyConflict,
		Message:   fmt.Sprintf("wallet versions changed during %d attempts", attempts),
		Status:    409,
		Retryable: true,
	}
}

func ErrRoundClosed(roundID string) *AppError {
	return &AppError{Code: CodeRoundClosed, Message: "round is not accepting stakes", Detail: roundID, Status: 409}
}

func ErrInvalidChoice(choice string) *AppError {
	return &AppError{Code: CodeInvalidChoice, Message: fmt.Sprintf("invalid choice %q", choice), Status: 400}
}

func ErrRoomFull(roomID string) *AppError {
	return &AppError{Code: CodeRoomFull, Message: "room is full", Detail: roomID, Status: 409}
}

func ErrInvalidRoomState(msg string) *AppError {
	return &AppError{Code: CodeInvalidRoomState, Message: msg, Status: 409}
}

func ErrGameHalted(gameID string) *AppError {
	return &AppError{Code: CodeGameHalted, Message: "game halted pending review", Detail: gameID, Status: 423}
}

// ErrFairnessViolation is fatal for the affected game and never retried.
func ErrFairnessViolation(roundID, msg string) *AppError {
	return &AppError{Code: CodeFairnessViolation, Message: msg, Detail: roundID, Status: 500}
}

// ErrSettlementFailure wraps a ledger failure during round close. Always retryable
// with the same idempotency keys.
func ErrSettlementFailure(roundID string, cause error) *AppError {
	return &AppError{
		Code:      CodeSettlementFailure,
		Message:   "round settlement incomplete",
		Detail:    roundID,
		Status:    503,
		Retryable: true,
		Cause:     cause,
	}
}

// ErrRiskDenied converts a RiskGate denial into a rejection. Exclusions and limit
// breaches keep their own codes; everything else surfaces as risk_denied with the
// gate's reason in Detail.
func ErrRiskDenied(reason, limit string) *AppError {
	switch reason {
	case CodeSelfExcluded, CodeAdminExcluded:
		return &AppError{Code: reason, Message: "account is excluded from play", Status: 403}
	case CodeLimitExceeded:
		return &AppError{Code: CodeLimitExceeded, Message: "stake exceeds limit", Detail: limit, Status: 422}
	}
	return &AppError{Code: CodeRiskDenied, Message: "stake denied by risk controls", Detail: reason, Status: 403}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, Status: 500, Cause: cause}
}

// ErrUnavailable marks a transient infrastructure failure (timeouts, lost connections).
func ErrUnavailable(msg string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, Status: 503, Retryable: true, Cause: cause}
}

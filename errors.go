package engage

import (
	"errors"
	"fmt"

	"github.com/xraph/engage/cursor"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("engage: not found")
	ErrInvalidInput = errors.New("engage: invalid input")

	// Fund ledger errors
	ErrInsufficientBalance = errors.New("engage: insufficient balance")
	ErrTransactionExists   = errors.New("engage: transaction already exists")

	// ErrCursorDecode re-exports cursor.ErrDecode: malformed, tampered, or
	// cross-scope pagination token.
	ErrCursorDecode = cursor.ErrDecode

	// Store errors
	ErrConditionFailed = errors.New("engage: conditional write failed")
	ErrStoreNotReady   = errors.New("engage: store not ready")
	ErrStoreClosed     = errors.New("engage: store is closed")
	ErrMigrationFailed = errors.New("engage: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("engage: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap makes every ValidationError match ErrInvalidInput under errors.Is.
func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInsufficientBalance returns true if the error is the fund ledger's
// non-negativity rejection. Surface it to the user; never retry it.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

// IsCursorError returns true for malformed, tampered, or cross-scope
// pagination cursors. These are deterministic client-input errors.
func IsCursorError(err error) bool {
	return errors.Is(err, ErrCursorDecode)
}

// IsRetryable returns true if the whole logical operation can be retried from
// scratch. Deterministic outcomes (domain rejections, invalid input, cursor
// errors, duplicate transactions) never are; any other failure is presumed
// transient, covering driver timeouts and lost connections as well as the
// conditional-write races backends surface as ErrConditionFailed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrTransactionExists),
		errors.Is(err, ErrCursorDecode),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound):
		return false
	}
	return true
}

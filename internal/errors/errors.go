package errors

import (
	"errors"
	"fmt"
)

// AmanError is the structured error type for amanrag.
// It provides rich context for error handling, logging, and user presentation.
type AmanError struct {
	// Code is the unique error code (e.g., "ERR_206_MANIFEST_CORRUPT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Validation, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *AmanError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AmanError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with AmanError.
func (e *AmanError) Is(target error) bool {
	if t, ok := target.(*AmanError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *AmanError) WithDetail(key, value string) *AmanError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *AmanError) WithSuggestion(suggestion string) *AmanError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AmanError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *AmanError {
	return &AmanError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an AmanError from an existing error.
// The error's message becomes the AmanError message.
func Wrap(code string, err error) *AmanError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinel values usable as errors.Is targets. Only the code is compared.
var (
	ErrManifestCorrupt   = &AmanError{Code: ErrCodeManifestCorrupt}
	ErrCorruptIndex      = &AmanError{Code: ErrCodeCorruptIndex}
	ErrIDOrder           = &AmanError{Code: ErrCodeIDOrder}
	ErrDimensionMismatch = &AmanError{Code: ErrCodeDimensionMismatch}
	ErrIngestionFailed   = &AmanError{Code: ErrCodeIngestionFailed}
	ErrBackupFailed      = &AmanError{Code: ErrCodeBackupFailed}
	ErrRestoreFailed     = &AmanError{Code: ErrCodeRestoreFailed}
	ErrWritesHalted      = &AmanError{Code: ErrCodeWritesHalted}
	ErrBusy              = &AmanError{Code: ErrCodeBusy}
)

// ManifestCorrupt reports a persisted manifest that failed parsing or validation.
func ManifestCorrupt(message string, cause error) *AmanError {
	return New(ErrCodeManifestCorrupt, message, cause).
		WithSuggestion("restore from a backup snapshot with 'amanrag recover' or run a full rebuild")
}

// IdentifierOrder reports an append with a non-increasing chunk identifier.
func IdentifierOrder(last, got uint64) *AmanError {
	return New(ErrCodeIDOrder,
		fmt.Sprintf("identifier %d is not greater than last added identifier %d", got, last), nil).
		WithDetail("last_id", fmt.Sprint(last)).
		WithDetail("got_id", fmt.Sprint(got))
}

// DimensionMismatch reports a vector whose width differs from the store's.
func DimensionMismatch(expected, got int) *AmanError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("vector dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got)).
		WithSuggestion("the embedding model changed; run a full rebuild with incremental mode disabled")
}

// IngestionFailed reports a chunking or embedding collaborator failure for one file.
func IngestionFailed(path string, cause error) *AmanError {
	return New(ErrCodeIngestionFailed, fmt.Sprintf("ingestion failed for %s", path), cause).
		WithDetail("file", path)
}

// BackupFailed reports an I/O error while taking a backup snapshot.
func BackupFailed(message string, cause error) *AmanError {
	return New(ErrCodeBackupFailed, message, cause)
}

// RestoreFailed reports a rollback that could not restore the pre-cycle state.
func RestoreFailed(message string, cause error) *AmanError {
	return New(ErrCodeRestoreFailed, message, cause).
		WithSuggestion("writes are halted; inspect the backup directory and run 'amanrag recover'")
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *AmanError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *AmanError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain contains an AmanError with Retryable set.
func IsRetryable(err error) bool {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first AmanError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from the first AmanError in the chain.
func GetCategory(err error) Category {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

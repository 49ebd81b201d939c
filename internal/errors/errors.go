// Package errors provides structured error types for the tardb engine.
// All errors include a category, code and message so that the scheduler can
// report one terminal error string per failed query.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by their origin in the taxonomy of the engine.
type ErrorCategory string

const (
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryStorage       ErrorCategory = "STORAGE"
	ErrCategoryCatalog       ErrorCategory = "CATALOG"
	ErrCategoryExecution     ErrorCategory = "EXECUTION"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeUnknownElement     = "UNKNOWN_ELEMENT"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeArithmeticOverflow = "ARITHMETIC_OVERFLOW"
	CodeInvalidPlan        = "INVALID_PLAN"

	// Storage codes
	CodeOperationFailed = "OPERATION_FAILED"
	CodeLengthMismatch  = "LENGTH_MISMATCH"

	// Catalog codes
	CodeTARNotFound = "TAR_NOT_FOUND"
	CodeTARExists   = "TAR_EXISTS"
	CodeSaveFailed  = "SAVE_FAILED"

	// Execution codes
	CodeLaneFailed       = "LANE_FAILED"
	CodeLanePanic        = "LANE_PANIC"
	CodeIndexOutOfRange  = "INDEX_OUT_OF_RANGE"
	CodeTransmission     = "TRANSMISSION_FAILED"
	CodeProductionFailed = "PRODUCTION_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TarError is the structured error type used throughout the engine.
type TarError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *TarError) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Category, e.Code)
	if op, ok := e.Details["operator"]; ok {
		prefix += fmt.Sprintf(" %v", op)
		if name, ok := e.Details["operation"]; ok {
			prefix += fmt.Sprintf("/%v", name)
		}
		prefix += ":"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TarError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TarError) Is(target error) bool {
	var t *TarError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TarError.
func New(category ErrorCategory, code, message string) *TarError {
	return &TarError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new TarError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TarError {
	return &TarError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *TarError) WithDetails(details map[string]interface{}) *TarError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TarError.
func GetCategory(err error) ErrorCategory {
	var te *TarError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TarError.
func GetCode(err error) string {
	var te *TarError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *TarError {
	return New(ErrCategoryConfiguration, code, message)
}

func Configf(code, format string, args ...interface{}) *TarError {
	return New(ErrCategoryConfiguration, code, fmt.Sprintf(format, args...))
}

// StorageError wraps a failed collaborator call with the operation and
// operator that issued it.
func StorageError(operation, operator string, cause error) *TarError {
	var te *TarError
	if errors.As(cause, &te) && te.Category != ErrCategoryStorage {
		return te
	}
	return Wrap(ErrCategoryStorage, CodeOperationFailed, "storage call failed", cause).
		WithDetails(map[string]interface{}{"operation": operation, "operator": operator})
}

func NewCatalogError(code, message string, cause error) *TarError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewExecutionError(code, message string, cause error) *TarError {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewInternalError(message string, cause error) *TarError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

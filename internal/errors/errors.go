// Package errors provides the structured error taxonomy used by the
// form-sender orchestrator. Every public operation surfaces failures as an
// AppError whose Code matches the error_type vocabulary of the dispatch
// contract.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an application error. The string values are the
// error_type identifiers returned to callers, so they must stay stable.
type ErrorCode string

const (
	// ErrCodeSpreadsheetConfig indicates the spreadsheet config store is missing or malformed.
	ErrCodeSpreadsheetConfig ErrorCode = "SPREADSHEET_CONFIG_ERROR"
	// ErrCodeGitHubAPI indicates a GitHub API call failed.
	ErrCodeGitHubAPI ErrorCode = "GITHUB_API_ERROR"
	// ErrCodeTargetingConfig indicates a targeting row failed validation.
	ErrCodeTargetingConfig ErrorCode = "TARGETING_CONFIG_ERROR"
	// ErrCodeClientData indicates a client row is missing required fields.
	ErrCodeClientData ErrorCode = "CLIENT_DATA_ERROR"
	// ErrCodeJSONParse indicates a JSON document could not be decoded.
	ErrCodeJSONParse ErrorCode = "JSON_PARSE_ERROR"
	// ErrCodeBusinessHours indicates an operation outside the allowed send window.
	ErrCodeBusinessHours ErrorCode = "BUSINESS_HOURS_ERROR"
	// ErrCodeNetwork indicates an outbound call failed at the transport level.
	ErrCodeNetwork ErrorCode = "NETWORK_ERROR"
	// ErrCodePermission indicates an authorization or credential failure.
	ErrCodePermission ErrorCode = "PERMISSION_ERROR"
	// ErrCodeSystem is the default category for unclassified failures.
	ErrCodeSystem ErrorCode = "SYSTEM_ERROR"
	// ErrCodeValidationFailed is returned when the dispatcher rejects a client config.
	ErrCodeValidationFailed ErrorCode = "validation_failed"
)

// AppError is a structured application error with a code, message, and
// optional cause. It supports errors.Is and errors.As through Unwrap.
type AppError struct {
	// Code categorizes the error type.
	Code ErrorCode
	// Message is a human-readable error message.
	Message string
	// Cause is the underlying error, if any.
	Cause error
	// Field names the offending config field for validation-style errors.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SpreadsheetConfigf creates a SPREADSHEET_CONFIG_ERROR.
func SpreadsheetConfigf(format string, args ...any) *AppError {
	return Newf(ErrCodeSpreadsheetConfig, format, args...)
}

// TargetingConfigf creates a TARGETING_CONFIG_ERROR.
func TargetingConfigf(format string, args ...any) *AppError {
	return Newf(ErrCodeTargetingConfig, format, args...)
}

// ClientDataf creates a CLIENT_DATA_ERROR.
func ClientDataf(format string, args ...any) *AppError {
	return Newf(ErrCodeClientData, format, args...)
}

// ClientDataField creates a CLIENT_DATA_ERROR naming the blank field.
func ClientDataField(field, message string) *AppError {
	return &AppError{Code: ErrCodeClientData, Message: message, Field: field}
}

// Networkf creates a NETWORK_ERROR.
func Networkf(format string, args ...any) *AppError {
	return Newf(ErrCodeNetwork, format, args...)
}

// Permissionf creates a PERMISSION_ERROR.
func Permissionf(format string, args ...any) *AppError {
	return Newf(ErrCodePermission, format, args...)
}

// Systemf creates a SYSTEM_ERROR.
func Systemf(format string, args ...any) *AppError {
	return Newf(ErrCodeSystem, format, args...)
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks whether an error carries a specific code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsTargetingConfig checks for a TARGETING_CONFIG_ERROR.
func IsTargetingConfig(err error) bool { return isCode(err, ErrCodeTargetingConfig) }

// IsClientData checks for a CLIENT_DATA_ERROR.
func IsClientData(err error) bool { return isCode(err, ErrCodeClientData) }

// IsNetwork checks for a NETWORK_ERROR.
func IsNetwork(err error) bool { return isCode(err, ErrCodeNetwork) }

// IsPermission checks for a PERMISSION_ERROR.
func IsPermission(err error) bool { return isCode(err, ErrCodePermission) }

// IsValidationFailed checks for a dispatcher validation rejection.
func IsValidationFailed(err error) bool { return isCode(err, ErrCodeValidationFailed) }

// GetCode returns the ErrorCode carried by err, classifying foreign errors
// through the substring vocabulary. nil maps to the empty code.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Classify(err)
}

// GetField returns the Field from an AppError, or empty string.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

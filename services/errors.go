package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the kind of failure reported to callers in the error envelope
type ErrorType string

const (
	ErrorTypeConfig             ErrorType = "ConfigError"
	ErrorTypeCapabilityGap      ErrorType = "CapabilityGap"
	ErrorTypeProvider           ErrorType = "ProviderError"
	ErrorTypeMirrorUnavailable  ErrorType = "MirrorUnavailable"
	ErrorTypeMirror             ErrorType = "MirrorError"
	ErrorTypeTimeout            ErrorType = "Timeout"
	ErrorTypeUnsupportedCommand ErrorType = "UnsupportedCommand"
	ErrorTypeValidation         ErrorType = "ValidationError"
	ErrorTypeNotFound           ErrorType = "NotFound"
	ErrorTypeUnauthorized       ErrorType = "Unauthorized"
	ErrorTypeInternal           ErrorType = "Internal"
)

// retryableByDefault lists kinds a caller may retry without changing input or configuration
var retryableByDefault = map[ErrorType]bool{
	ErrorTypeProvider:          true,
	ErrorTypeMirrorUnavailable: true,
	ErrorTypeTimeout:           true,
}

// DomainError represents a structured error with additional context
type DomainError struct {
	Type      ErrorType
	Message   string
	Err       error
	Retryable bool
	Details   map[string]interface{}

	// StatusCode and Payload carry the reference tool's own error response for MirrorError.
	StatusCode int
	Payload    []byte
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error kind so callers can use errors.Is with a template error
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error with the default retry policy for its kind
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:      errType,
		Message:   message,
		Err:       err,
		Retryable: retryableByDefault[errType],
		Details:   make(map[string]interface{}),
	}
}

// NewConfigError reports a malformed registry entry, command spec or setting
func NewConfigError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, err)
}

// NewCapabilityGapError reports that no provider supports the requested capabilities
func NewCapabilityGapError(message string) *DomainError {
	return NewDomainError(ErrorTypeCapabilityGap, message, nil)
}

// NewProviderError reports that the provider fallback chain was exhausted
func NewProviderError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeProvider, message, err)
}

// NewMirrorUnavailableError reports that the reference tool could not be reached
func NewMirrorUnavailableError(err error) *DomainError {
	return NewDomainError(ErrorTypeMirrorUnavailable, "reference tool unreachable", err)
}

// NewMirrorError wraps an error response produced by the reference tool itself.
// The payload is kept byte-for-byte so it can be relayed unchanged.
func NewMirrorError(statusCode int, payload []byte) *DomainError {
	e := NewDomainError(ErrorTypeMirror, fmt.Sprintf("reference tool returned status %d", statusCode), nil)
	e.StatusCode = statusCode
	e.Payload = payload
	return e
}

// NewTimeoutError reports that the request deadline elapsed
func NewTimeoutError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, err)
}

// NewUnsupportedCommandError reports a prefixed token with no registered handler
func NewUnsupportedCommandError(command string) *DomainError {
	return NewDomainError(ErrorTypeUnsupportedCommand, fmt.Sprintf("unsupported command: %s", command), nil).
		WithDetail("command", command)
}

// NewValidationError reports a malformed inbound request
func NewValidationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, err)
}

// NewNotFoundError reports a missing resource
func NewNotFoundError(message string) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, nil)
}

// Template errors for errors.Is comparisons
var (
	ErrConfig             = &DomainError{Type: ErrorTypeConfig}
	ErrCapabilityGap      = &DomainError{Type: ErrorTypeCapabilityGap}
	ErrProvider           = &DomainError{Type: ErrorTypeProvider}
	ErrMirrorUnavailable  = &DomainError{Type: ErrorTypeMirrorUnavailable}
	ErrMirror             = &DomainError{Type: ErrorTypeMirror}
	ErrTimeout            = &DomainError{Type: ErrorTypeTimeout}
	ErrUnsupportedCommand = &DomainError{Type: ErrorTypeUnsupportedCommand}
	ErrUnauthorized       = &DomainError{Type: ErrorTypeUnauthorized}
)

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsConfigError checks if an error is a configuration error
func IsConfigError(err error) bool { return hasType(err, ErrorTypeConfig) }

// IsCapabilityGapError checks if an error is a capability gap
func IsCapabilityGapError(err error) bool { return hasType(err, ErrorTypeCapabilityGap) }

// IsProviderError checks if an error is an exhausted provider chain
func IsProviderError(err error) bool { return hasType(err, ErrorTypeProvider) }

// IsMirrorUnavailableError checks if the reference tool was unreachable
func IsMirrorUnavailableError(err error) bool { return hasType(err, ErrorTypeMirrorUnavailable) }

// IsMirrorError checks if an error carries a reference tool error payload
func IsMirrorError(err error) bool { return hasType(err, ErrorTypeMirror) }

// IsTimeoutError checks if an error is a deadline expiry
func IsTimeoutError(err error) bool { return hasType(err, ErrorTypeTimeout) }

// IsUnsupportedCommandError checks if an error is an unknown command
func IsUnsupportedCommandError(err error) bool { return hasType(err, ErrorTypeUnsupportedCommand) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// GetErrorType returns the ErrorType of a domain error, or Internal if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ErrorTypeInternal
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// IsRetryable reports whether the caller may retry immediately
func IsRetryable(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return false
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

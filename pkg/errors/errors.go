package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in vula
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "peer", "descriptor", "state")
	Domain() string

	// Code returns a stable error code for API responses
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Message() string          { return e.message }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error carrying one more metadata entry.
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Is matches another DomainError with the same domain and code, so the
// sentinel values below work with errors.Is.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	return e.domain == t.domain && e.code == t.code
}

// Standardized Error Codes
const (
	// Peer Domain Errors
	ErrCodePeerNotFound     = "peer_not_found"
	ErrCodePeerConflict     = "peer_conflict"
	ErrCodeIdentityMismatch = "identity_mismatch"
	ErrCodeGatewayConflict  = "gateway_conflict"

	// Descriptor Domain Errors
	ErrCodeDescriptorInvalid = "descriptor_invalid"
	ErrCodeSignatureInvalid  = "signature_invalid"

	// State Errors
	ErrCodeStateValidation = "state_validation"
	ErrCodeStateLoad       = "state_load"
	ErrCodeStateSave       = "state_save"
	ErrCodeInvalidPath     = "invalid_path"
	ErrCodePrefsValidation = "prefs_validation"

	// System Errors
	ErrCodeDatabase      = "database_error"
	ErrCodeConfiguration = "config_error"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeFileOperation = "file_operation_error"
	ErrCodeTrigger       = "trigger_failed"
	ErrCodeKeys          = "keys_error"
	ErrCodeNotFound      = "not_found"

	// Address Errors
	ErrCodeInvalidCIDR      = "invalid_cidr"
	ErrCodeInvalidIPAddress = "invalid_ip_address"
)

// Domain Constants
const (
	DomainPeer       = "peer"
	DomainDescriptor = "descriptor"
	DomainState      = "state"
	DomainPrefs      = "prefs"
	DomainStorage    = "storage"
	DomainSystem     = "system"
	DomainAPI        = "api"
	DomainEvent      = "event"
)

// NewPeerError creates a standardized peer domain error
func NewPeerError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainPeer, code, message, retryable, cause, nil)
}

// NewDescriptorError creates a standardized descriptor domain error
func NewDescriptorError(code, message string, cause error) DomainError {
	return NewBaseError(DomainDescriptor, code, message, false, cause, nil)
}

// NewStateError creates a standardized state engine error
func NewStateError(code, message string, cause error) DomainError {
	return NewBaseError(DomainState, code, message, false, cause, nil)
}

// NewPrefsError creates a standardized preferences error
func NewPrefsError(code, message string, cause error) DomainError {
	return NewBaseError(DomainPrefs, code, message, false, cause, nil)
}

// NewStorageError creates a standardized storage error
func NewStorageError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainStorage, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// NewDomainAPIError creates a standardized API error
func NewDomainAPIError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainAPI, code, message, retryable, cause, nil)
}

// Sentinels for errors.Is comparisons.
var (
	ErrPeerNotFound      = NewPeerError(ErrCodePeerNotFound, "peer not found", false, nil)
	ErrPeerConflict      = NewPeerError(ErrCodePeerConflict, "conflicting peers", false, nil)
	ErrIdentityMismatch  = NewPeerError(ErrCodeIdentityMismatch, "identity mismatch", false, nil)
	ErrDescriptorInvalid = NewDescriptorError(ErrCodeDescriptorInvalid, "invalid descriptor", nil)
	ErrSignatureInvalid  = NewDescriptorError(ErrCodeSignatureInvalid, "invalid signature", nil)
	ErrStateValidation   = NewStateError(ErrCodeStateValidation, "state validation failed", nil)
	ErrInvalidConfig     = NewSystemError(ErrCodeConfiguration, "invalid configuration", false, nil)
)

// IsDomainError checks if an error is a DomainError
func IsDomainError(err error) bool {
	var domainErr DomainError
	return errors.As(err, &domainErr)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable()
	}
	return false
}

// GetErrorCode returns the error code if it's a DomainError, otherwise returns "unknown"
func GetErrorCode(err error) string {
	if domainErr, ok := err.(DomainError); ok {
		return domainErr.Code()
	}
	return "unknown"
}

// GetErrorDomain returns the error domain if it's a DomainError, otherwise returns "unknown"
func GetErrorDomain(err error) string {
	if domainErr, ok := err.(DomainError); ok {
		return domainErr.Domain()
	}
	return "unknown"
}

// IsErrorCode checks if any error in the chain has the specified code
func IsErrorCode(err error, code string) bool {
	for err != nil {
		if GetErrorCode(err) == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Innermost returns the deepest DomainError in err's chain, or nil. Wrappers
// such as a state validation failure keep their cause's code reachable here.
func Innermost(err error) DomainError {
	var found DomainError
	for err != nil {
		if de, ok := err.(DomainError); ok {
			found = de
		}
		err = errors.Unwrap(err)
	}
	return found
}

// WrapWithDomain wraps an existing error with domain context
func WrapWithDomain(err error, domain, code, message string, retryable bool) DomainError {
	return NewBaseError(domain, code, message, retryable, err, nil)
}

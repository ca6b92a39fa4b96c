package shared

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every error surfaced by the token pipeline
type ErrorKind string

const (
	KindConfig    ErrorKind = "config_error"
	KindNetwork   ErrorKind = "network_error"
	KindChallenge ErrorKind = "challenge_error"
	KindVM        ErrorKind = "vm_error"
	KindTimeout   ErrorKind = "timeout_error"
	KindIntegrity ErrorKind = "integrity_error"
	KindMint      ErrorKind = "mint_error"
	KindCodec     ErrorKind = "codec_error"
)

// TokenError is the base error type for all library errors
type TokenError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

// Error implements the error interface
func (e *TokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *TokenError) Unwrap() error {
	return e.Cause
}

// ErrorKind reports the taxonomy bucket of the error
func (e *TokenError) ErrorKind() ErrorKind {
	return e.Kind
}

type kindedError interface {
	error
	ErrorKind() ErrorKind
}

// KindOf returns the kind of the outermost library error in err's chain,
// or "" when err carries none.
func KindOf(err error) ErrorKind {
	var k kindedError
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

// IsKind reports whether err is a library error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ConfigurationError represents a missing or invalid configuration value
type ConfigurationError struct {
	*TokenError
	Field string `json:"field"`
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field string, message string) *ConfigurationError {
	return &ConfigurationError{
		TokenError: &TokenError{
			Kind:    KindConfig,
			Message: fmt.Sprintf("configuration error in field '%s': %s", field, message),
		},
		Field: field,
	}
}

// NetworkError represents transport failures and non-success responses
type NetworkError struct {
	*TokenError
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code,omitempty"` // 0 when no response was received
}

// NewNetworkError creates a new network error. statusCode is 0 for transport failures.
func NewNetworkError(endpoint string, statusCode int, cause error) *NetworkError {
	msg := fmt.Sprintf("request to %s failed", endpoint)
	if statusCode != 0 {
		msg = fmt.Sprintf("request to %s returned status %d", endpoint, statusCode)
	}
	return &NetworkError{
		TokenError: &TokenError{
			Kind:    KindNetwork,
			Message: msg,
			Cause:   cause,
		},
		Endpoint:   endpoint,
		StatusCode: statusCode,
	}
}

// ChallengeError represents a malformed or missing challenge envelope
type ChallengeError struct {
	*TokenError
	Field string `json:"field,omitempty"`
}

// NewChallengeError creates a new challenge error
func NewChallengeError(field string, message string, cause error) *ChallengeError {
	if field != "" {
		message = fmt.Sprintf("%s: %s", field, message)
	}
	return &ChallengeError{
		TokenError: &TokenError{
			Kind:    KindChallenge,
			Message: message,
			Cause:   cause,
		},
		Field: field,
	}
}

// VMError represents attestation program failures: missing capabilities,
// initialization failures and operations attempted in a terminal state.
type VMError struct {
	*TokenError
	Operation string `json:"operation"`
	State     string `json:"state"`
}

// NewVMError creates a new VM error
func NewVMError(operation string, state string, message string, cause error) *VMError {
	return &VMError{
		TokenError: &TokenError{
			Kind:    KindVM,
			Message: fmt.Sprintf("%s (state %s): %s", operation, state, message),
			Cause:   cause,
		},
		Operation: operation,
		State:     state,
	}
}

// TimeoutError represents a capability race that exceeded its deadline
type TimeoutError struct {
	*TokenError
	Operation string        `json:"operation"`
	Timeout   time.Duration `json:"timeout"`
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation string, timeout time.Duration, cause error) *TimeoutError {
	return &TimeoutError{
		TokenError: &TokenError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("%s did not complete within %v", operation, timeout),
			Cause:   cause,
		},
		Operation: operation,
		Timeout:   timeout,
	}
}

// IntegrityError represents a missing or malformed integrity credential field
type IntegrityError struct {
	*TokenError
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// NewIntegrityError creates a new integrity error
func NewIntegrityError(field, expected, actual, message string) *IntegrityError {
	if field != "" {
		message = fmt.Sprintf("field '%s': %s (expected %s, got %s)", field, message, expected, actual)
	}
	return &IntegrityError{
		TokenError: &TokenError{
			Kind:    KindIntegrity,
			Message: message,
		},
		Field:    field,
		Expected: expected,
		Actual:   actual,
	}
}

// Mint error codes
const (
	MintCodeFactoryUndefined        = "minter-factory-undefined"
	MintCodeNoIntegrityToken        = "no-integrity-token"
	MintCodeFactoryInvocationFailed = "factory-invocation-failed"
	MintCodeResultUndefined         = "result-undefined"
	MintCodeResultInvalidType       = "result-invalid-type"
	MintCodeInvocationFailed        = "mint-invocation-failed"
)

// MintError represents minter construction and minting failures
type MintError struct {
	*TokenError
	Code string `json:"code"`
}

// NewMintError creates a new mint error
func NewMintError(code string, message string, cause error) *MintError {
	return &MintError{
		TokenError: &TokenError{
			Kind:    KindMint,
			Message: fmt.Sprintf("%s: %s", code, message),
			Cause:   cause,
		},
		Code: code,
	}
}

// CodecError represents cold-start packet encode and decode failures
type CodecError struct {
	*TokenError
	ExpectedLength int `json:"expected_length"`
	ActualLength   int `json:"actual_length"`
}

// NewCodecError creates a new codec error
func NewCodecError(message string, expectedLength, actualLength int, cause error) *CodecError {
	return &CodecError{
		TokenError: &TokenError{
			Kind:    KindCodec,
			Message: fmt.Sprintf("%s (expected %d, got %d)", message, expectedLength, actualLength),
			Cause:   cause,
		},
		ExpectedLength: expectedLength,
		ActualLength:   actualLength,
	}
}

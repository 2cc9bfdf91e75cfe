package common

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Concurrency conflicts. Callers are expected to re-read state and retry their
// intent rather than the failed mutation.
var (
	ErrStaleState          = errors.New("stale session state version")
	ErrInteractionConflict = errors.New("interaction request already exists for step execution")
	ErrInteractionResolved = errors.New("interaction request already resolved")
	ErrSessionLocked       = errors.New("session lock held by another worker")
)

var (
	ErrUnsupportedSchemaVersion = errors.New("unsupported blueprint schema version")
	ErrUnknownTokenizer         = errors.New("unknown tokenizer")
	ErrAgentNotPublished        = errors.New("agent version is not published")
)

// ConfigurationError is fatal: it is surfaced immediately and never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) ||
		errors.Is(err, ErrUnsupportedSchemaVersion) ||
		errors.Is(err, ErrUnknownTokenizer)
}

// ProviderError is returned by agent invokers. Code is a short machine
// readable classification such as "rate_limited" or "timeout".
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error %s: %v", e.Code, e.Err)
	}
	return "provider error " + e.Code
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

const (
	ErrorCodeRateLimited = "rate_limited"
	ErrorCodeTimeout     = "timeout"
	ErrorCodeUnavailable = "unavailable"
	ErrorCodeProvider    = "provider_error"
	ErrorCodeConfig      = "configuration_error"
	ErrorCodeInternal    = "internal_error"
	ErrorCodeExpired     = "interaction_expired"
)

// ErrorCode classifies err for recording on a step execution.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &providerErr):
		if providerErr.Code != "" {
			return providerErr.Code
		}
		return ErrorCodeProvider
	case IsConfigurationError(err):
		return ErrorCodeConfig
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	}
	return ErrorCodeInternal
}

// IsRetryable reports whether a failed step may be attempted again.
// Configuration errors and non-retryable provider errors are fatal; other
// errors are treated as transient. When retryableCodes is non-empty it
// restricts which provider codes qualify.
func IsRetryable(err error, retryableCodes []string) bool {
	if err == nil || IsConfigurationError(err) {
		return false
	}
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		return true
	}
	if len(retryableCodes) == 0 {
		return providerErr.Retryable
	}
	for _, code := range retryableCodes {
		if code == providerErr.Code {
			return true
		}
	}
	return false
}

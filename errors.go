package ember

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind categorizes every failure the runtime core surfaces. The kind
// drives retry, failover, and degradation decisions instead of string
// matching on messages.
type ErrorKind string

const (
	ErrConfig               ErrorKind = "config"
	ErrLLMConnection        ErrorKind = "llm_connection"
	ErrLLMRateLimit         ErrorKind = "llm_rate_limit"
	ErrLLMContextOverflow   ErrorKind = "llm_context_overflow"
	ErrLLMInvalidRequest    ErrorKind = "llm_invalid_request"
	ErrLLMUpstream          ErrorKind = "llm_upstream"
	ErrLLMResponseMalformed ErrorKind = "llm_response_malformed"
	ErrLLMAllProvidersFailed ErrorKind = "llm_all_providers_failed"
	ErrToolNotFound         ErrorKind = "tool_not_found"
	ErrToolValidation       ErrorKind = "tool_validation"
	ErrToolTimeout          ErrorKind = "tool_timeout"
	ErrToolSecurity         ErrorKind = "tool_security"
	ErrToolExecution        ErrorKind = "tool_execution"
	ErrMemoryStorage        ErrorKind = "memory_storage"
	ErrMemoryRetrieval      ErrorKind = "memory_retrieval"
	ErrCancelled            ErrorKind = "cancelled"
	ErrInternal             ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a retry of
// the same provider. Context overflow and invalid requests never do.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrLLMRateLimit, ErrLLMConnection, ErrLLMUpstream:
		return true
	default:
		return false
	}
}

// CoreError is a classified runtime error.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Errorf builds a CoreError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unclassified errors report ErrInternal; context cancellation reports
// ErrCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ErrInternal
}

// ProviderError is a classified failure from one LLM provider adapter.
// Adapters never retry; they classify and raise.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	// Status is the HTTP status code, when the failure came from an HTTP
	// response. Zero for transport-level failures.
	Status int
	// RetryAfter is the server-requested wait before retrying, when known.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether this failure may succeed on retry.
func (e *ProviderError) Retryable() bool { return e.Kind.Retryable() }

// ClassifyStatus maps an HTTP status code from a provider to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return ErrLLMRateLimit
	case status == 413:
		return ErrLLMContextOverflow
	case status >= 500:
		return ErrLLMUpstream
	case status >= 400:
		return ErrLLMInvalidRequest
	default:
		return ErrLLMConnection
	}
}

// AllProvidersError aggregates the per-provider last error after the client
// exhausted every adapter.
type AllProvidersError struct {
	// Errors maps provider name to its final error, in no particular order.
	Errors map[string]error
}

func (e *AllProvidersError) Error() string {
	var b strings.Builder
	b.WriteString("all providers failed:")
	for name, err := range e.Errors {
		fmt.Fprintf(&b, " %s: %v;", name, err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

var _ error = (*AllProvidersError)(nil)

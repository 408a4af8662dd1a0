// Package errors defines the operator's error taxonomy. Every failure the
// reconciliation engine can hit maps to exactly one Kind, and the Kind
// decides both the retry policy and the status text an operator sees.
package errors

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind categorizes operator errors.
type Kind string

const (
	// KindValidation is a bad input spec, rejected before any state change.
	KindValidation Kind = "ValidationError"
	// KindConflict is a concurrent modification detected via a resource
	// version mismatch. Retried immediately once.
	KindConflict Kind = "ConflictError"
	// KindTransientInfra is a platform API timeout or unavailability.
	// Retried with capped exponential backoff.
	KindTransientInfra Kind = "TransientInfraError"
	// KindMalformedBackendURL is a backend connection URL whose scheme or
	// authority cannot be parsed. Never retried; only a corrected spec clears it.
	KindMalformedBackendURL Kind = "MalformedBackendURL"
	// KindMissingCredential is a backend URL that omits a required
	// user/password or access-key component. Never retried.
	KindMissingCredential Kind = "MissingCredential"
	// KindHealthTimeout means a replacement workload never became healthy
	// within the rollout deadline. The previous workload is preserved.
	KindHealthTimeout Kind = "HealthTimeoutError"
	// KindConfig is an operator configuration error, such as a missing
	// namespace with namespace creation disabled. Surfaced immediately,
	// not retried.
	KindConfig Kind = "ConfigurationError"
)

// OperatorError is an error with a Kind and a retry decision attached.
type OperatorError struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
}

func (e *OperatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OperatorError) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can compare against sentinel errors.
func (e *OperatorError) Is(target error) bool {
	var oe *OperatorError
	if errors.As(target, &oe) {
		return e.Kind == oe.Kind
	}
	return errors.Is(e.Cause, target)
}

// New constructs an OperatorError of the given kind. Retryability follows
// from the kind.
func New(kind Kind, format string, args ...any) *OperatorError {
	return &OperatorError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindTransientInfra || kind == KindConflict,
	}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *OperatorError {
	err := New(kind, format, args...)
	err.Cause = cause
	return err
}

// KindOf returns the Kind of err, or an empty Kind when err carries none.
func KindOf(err error) Kind {
	var oe *OperatorError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsRetryable reports whether the engine may retry the failed operation.
// Unclassified errors are treated as transient: over-retrying a permanent
// error is recoverable through the retry budget, dropping a transient one
// is not.
func IsRetryable(err error) bool {
	var oe *OperatorError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return true
}

// Classify maps an error returned by the platform API to the taxonomy.
// Errors already carrying a Kind pass through unchanged.
func Classify(err error) *OperatorError {
	if err == nil {
		return nil
	}
	var oe *OperatorError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case apierrors.IsConflict(err):
		return Wrap(KindConflict, err, "resource version conflict")
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return Wrap(KindValidation, err, "platform rejected object")
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err):
		return Wrap(KindTransientInfra, err, "platform API unavailable")
	default:
		return Wrap(KindTransientInfra, err, "platform API call failed")
	}
}

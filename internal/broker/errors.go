package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOrderNotFound is wrapped by adapters when the broker reports the order
// id itself as unknown. The reconciler fail-stops such orders.
var ErrOrderNotFound = errors.New("broker: order not found")

// ErrUnknownBroker is returned by the registry for unsupported broker names.
var ErrUnknownBroker = errors.New("broker: unsupported broker name")

// ValidationError marks a malformed canonical request. It is raised before
// any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// AuthError marks a broker-side credential or token rejection.
type AuthError struct {
	Broker string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %s", e.Broker, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SessionInitError wraps a failed session bootstrap (load, decrypt or probe).
type SessionInitError struct {
	ConnectionID uint
	Err          error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("session init failed for connection %d: %v", e.ConnectionID, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// SessionExpiredError is returned without any network use when a cached
// session's token expiry has passed.
type SessionExpiredError struct {
	ConnectionID uint
	ExpiredAt    time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session for connection %d expired at %s", e.ConnectionID, e.ExpiredAt.Format(time.RFC3339))
}

// NetworkError marks a transport failure (timeout, connection error, 5xx).
// Callers may retry.
type NetworkError struct {
	Broker string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Broker, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BrokerError is a well-formed broker rejection. It is surfaced verbatim and
// never auto-retried.
type BrokerError struct {
	Broker  string
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s rejected request: %s", e.Broker, e.Message)
	}
	return fmt.Sprintf("%s rejected request [%s]: %s", e.Broker, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ProtocolError marks a response that could not be parsed into the expected
// success/failure shape. Treated as a bug signal; the raw payload is kept for
// the error-level log.
type ProtocolError struct {
	Broker string
	Raw    []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if len(e.Raw) == 0 {
		return fmt.Sprintf("%s protocol error: %v", e.Broker, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %v, body: %s", e.Broker, e.Err, TruncateForLog(e.Raw))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and safe to retry.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthFailure reports whether err should evict the cached session.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	var se *SessionExpiredError
	return errors.As(err, &se)
}

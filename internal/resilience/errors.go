package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind names an error class of the pipeline. It is what diagnostics record in
// their error_kind column and what the CLI maps to an exit code.
type Kind string

// Error kinds.
const (
	KindUnknown     Kind = "unknown"
	KindConfig      Kind = "config"
	KindTransient   Kind = "transient_api"
	KindRateLimit   Kind = "rate_limit_exceeded"
	KindPermanent   Kind = "permanent_api"
	KindDataQuality Kind = "data_quality"
	KindInvariant   Kind = "invariant_violation"
)

// ConfigError reports missing credentials, a malformed DSN or an unreachable
// host. It is fatal at startup and never retried.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Setting == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Setting + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a configuration error on setting.
func NewConfigError(setting string, err error) *ConfigError {
	return &ConfigError{Setting: setting, Err: err}
}

// TransientError wraps an error that is safe to retry (5xx, timeout, reset).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is returned for HTTP 429. Once the retry schedule is
// exhausted it makes the job checkpoint and exit as retriable.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return e.Err.Error() }

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentError is an upstream rejection (4xx other than 429). It is scoped
// to the chunk or row that triggered it.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// DataQualityError flags an input or response row that cannot be used:
// missing column, unparseable value, bad postal code shape.
type DataQualityError struct {
	RefID string
	Err   error
}

func (e *DataQualityError) Error() string {
	if e.RefID == "" {
		return e.Err.Error()
	}
	return e.RefID + ": " + e.Err.Error()
}

func (e *DataQualityError) Unwrap() error { return e.Err }

// InvariantError aborts the job. Invariant names the broken rule so the
// operator message is self-explanatory.
type InvariantError struct {
	Invariant string
	Err       error
}

func (e *InvariantError) Error() string {
	return "invariant violated (" + e.Invariant + "): " + e.Err.Error()
}

func (e *InvariantError) Unwrap() error { return e.Err }

// KindOf resolves the taxonomy kind of err through any wrap chain. Untyped
// network failures count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		ce *ConfigError
		re *RateLimitError
		te *TransientError
		pe *PermanentError
		de *DataQualityError
		ie *InvariantError
	)
	switch {
	case errors.As(err, &ie):
		return KindInvariant
	case errors.As(err, &ce):
		return KindConfig
	case errors.As(err, &re):
		return KindRateLimit
	case errors.As(err, &pe):
		return KindPermanent
	case errors.As(err, &de):
		return KindDataQuality
	case errors.As(err, &te), IsTransient(err):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether the retry schedule applies to err: transient
// failures and rate-limit responses.
func IsRetryable(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re) || IsTransient(err)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// HTTP clients often flatten the cause into the message.
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransientHTTPStatus returns true for server-side statuses that are safe
// to retry. 429 is handled separately as a rate-limit response.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

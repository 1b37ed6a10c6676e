package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures so callers can decide whether a
// request is worth retrying or surfacing.
type ErrorKind int

const (
	// KindNetwork covers transport failures (dial, timeout, reset).
	KindNetwork ErrorKind = iota
	// KindAuth covers credential rejection (401, 403).
	KindAuth
	// KindRateLimit covers throttling (429).
	KindRateLimit
	// KindMalformed covers responses the client could not decode.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ProviderError is a classified completion provider failure.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err wraps a ProviderError, returning it.
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	default:
		return KindNetwork
	}
}

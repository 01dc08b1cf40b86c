package llm

import (
	"errors"
	"net"
	"net/http"
)

// ErrorKind is the provider-error taxonomy of spec.md §7. It classifies
// by policy, not by Go type: several underlying causes (a dropped
// connection, a 503) share the same TransientNetwork policy.
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthFailure      ErrorKind = "auth_failure"
	KindHardFailure      ErrorKind = "hard_failure" // other 4xx
	KindMalformedOutput  ErrorKind = "malformed_model_output"
)

// StatusError carries the HTTP status a provider returned, so the
// cascade can classify it without re-parsing an error string.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return e.Provider + " API error " + http.StatusText(e.StatusCode)
}

// Classify maps err to an ErrorKind per spec.md §7.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return KindAuthFailure
		case statusErr.StatusCode >= 500:
			return KindTransientNetwork
		case statusErr.StatusCode >= 400:
			return KindHardFailure
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	return KindTransientNetwork
}

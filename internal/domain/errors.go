package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass is the retry/fallback classification of a dependency failure.
type ErrorClass string

const (
	// ErrorClassTimeout is a client-side deadline hit. Never retried.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRateLimited is an upstream 429. Retried with backoff.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassServer is an upstream 5xx other than 504. Retried once.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassGatewayTimeout is an upstream 504. Retried once, immediately.
	ErrorClassGatewayTimeout ErrorClass = "gateway_timeout"

	// ErrorClassClient is an upstream 4xx other than 429. Indicates a caller
	// fault; never retried.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNetwork is a connection-level failure (refused, DNS).
	// Retried once.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCircuitOpen means the dependency is marked unhealthy.
	// Immediate fallback, no retry.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"

	// ErrorClassUnknown is anything the classifier cannot place.
	ErrorClassUnknown ErrorClass = "unknown"
)

// DependencyError is a classified failure from a remote collaborator.
type DependencyError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError creates a classified dependency error.
func NewDependencyError(class ErrorClass, message string) *DependencyError {
	return &DependencyError{Class: class, Message: message}
}

// WithStatus attaches the upstream HTTP status code.
func (e *DependencyError) WithStatus(status int) *DependencyError {
	e.StatusCode = status
	return e
}

// WithCause attaches the underlying error for errors.Is/As chains.
func (e *DependencyError) WithCause(err error) *DependencyError {
	e.Err = err
	return e
}

// CircuitOpenError is returned when a call is rejected because the breaker
// guarding the dependency is open.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for dependency %q", e.Dependency)
}

// ClassFromStatus maps an upstream HTTP status code onto the taxonomy.
func ClassFromStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimited
	case status == 504:
		return ErrorClassGatewayTimeout
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ErrorClassUnknown
	}
}

// Classify places an arbitrary error into the taxonomy. Already-classified
// errors keep their class; context deadlines map to timeout; connection-level
// failures map to network.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return depErr.Class
	}

	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return ErrorClassCircuitOpen
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorClassTimeout
		}
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

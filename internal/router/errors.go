package router

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorCategory classifies a transport failure for user-facing reporting.
type ErrorCategory string

const (
	CategorySocketUnavailable ErrorCategory = "socket-unavailable"
	CategoryConnectionReset   ErrorCategory = "connection-reset"
	CategoryTimeout           ErrorCategory = "timeout"
	CategoryDNS               ErrorCategory = "dns"
	CategoryHostUnreachable   ErrorCategory = "host-unreachable"
	CategoryGeneric           ErrorCategory = "generic"
)

// TransportError wraps a daemon connection failure with its category.
type TransportError struct {
	Category ErrorCategory
	Err      error
}

func (e *TransportError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify buckets a connection error. Unrecognized errors fall through to
// the generic category so callers always get something presentable.
func Classify(err error) *TransportError {
	if err == nil {
		return nil
	}

	wrap := func(cat ErrorCategory) *TransportError {
		return &TransportError{Category: cat, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wrap(CategoryDNS)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return wrap(CategoryTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(CategoryTimeout)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return wrap(CategoryConnectionReset)
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return wrap(CategoryHostUnreachable)
	}

	// Socket-level failures surface as ENOENT, EACCES, or ECONNREFUSED on
	// the unix socket path.
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, os.ErrPermission) {
		return wrap(CategorySocketUnavailable)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		if strings.Contains(err.Error(), ".sock") {
			return wrap(CategorySocketUnavailable)
		}
		return wrap(CategoryHostUnreachable)
	}

	return wrap(CategoryGeneric)
}

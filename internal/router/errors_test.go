package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Fatalf("expected nil for nil error, got %v", got)
	}
}

func TestClassifyDNS(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "daemon.internal"}
	te := Classify(fmt.Errorf("dial: %w", err))
	if te.Category != CategoryDNS {
		t.Errorf("expected dns category, got %q", te.Category)
	}
}

func TestClassifyDeadline(t *testing.T) {
	te := Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if te.Category != CategoryTimeout {
		t.Errorf("expected timeout category, got %q", te.Category)
	}
}

func TestClassifyConnectionReset(t *testing.T) {
	te := Classify(fmt.Errorf("read: %w", syscall.ECONNRESET))
	if te.Category != CategoryConnectionReset {
		t.Errorf("expected connection-reset category, got %q", te.Category)
	}
}

func TestClassifyHostUnreachable(t *testing.T) {
	te := Classify(fmt.Errorf("dial: %w", syscall.EHOSTUNREACH))
	if te.Category != CategoryHostUnreachable {
		t.Errorf("expected host-unreachable category, got %q", te.Category)
	}
}

func TestClassifyRefusedSocketVsHost(t *testing.T) {
	sockErr := fmt.Errorf("dial unix /var/run/docker.sock: %w", syscall.ECONNREFUSED)
	if te := Classify(sockErr); te.Category != CategorySocketUnavailable {
		t.Errorf("expected socket-unavailable for socket refusal, got %q", te.Category)
	}

	tcpErr := fmt.Errorf("dial tcp 10.0.0.5:2376: %w", syscall.ECONNREFUSED)
	if te := Classify(tcpErr); te.Category != CategoryHostUnreachable {
		t.Errorf("expected host-unreachable for tcp refusal, got %q", te.Category)
	}
}

func TestClassifyMissingSocket(t *testing.T) {
	te := Classify(fmt.Errorf("stat: %w", syscall.ENOENT))
	if te.Category != CategorySocketUnavailable {
		t.Errorf("expected socket-unavailable category, got %q", te.Category)
	}
}

func TestClassifyGenericFallthrough(t *testing.T) {
	cause := errors.New("unexpected EOF")
	te := Classify(cause)
	if te.Category != CategoryGeneric {
		t.Errorf("expected generic category, got %q", te.Category)
	}
	if !errors.Is(te, cause) {
		t.Error("expected wrapped error to unwrap to the cause")
	}
}

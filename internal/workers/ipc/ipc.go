// Package ipc implements the line-delimited JSON protocol between the
// server and its worker child processes. Workers receive control messages
// on stdin and report status on stdout; stderr stays a plain log stream.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/dockhand/dockhand/internal/events/bus"
)

// MessageType discriminates IPC messages.
type MessageType string

const (
	// TypeReady is sent once by a worker after initialization.
	TypeReady MessageType = "ready"
	// TypeStatus is a periodic worker heartbeat with counters.
	TypeStatus MessageType = "status"
	// TypeRefresh tells a worker that environment config changed.
	TypeRefresh MessageType = "refresh"
	// TypeShutdown tells a worker to drain and exit.
	TypeShutdown MessageType = "shutdown"
	// TypeEvent carries one bus event from a worker to the server so
	// notifications and broker subscribers work without NATS.
	TypeEvent MessageType = "event"
)

// Message is one IPC frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusData is the payload of a status message.
type StatusData struct {
	Worker       string `json:"worker"`
	Environments int    `json:"environments"`
	Processed    int64  `json:"processed"`
	Errors       int64  `json:"errors"`
}

// RefreshData names the environment whose config changed; empty means all.
type RefreshData struct {
	EnvironmentID string `json:"environment_id,omitempty"`
}

// EventData is the payload of an event message: one bus event plus the
// subject it was published under.
type EventData struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Writer emits newline-delimited JSON messages. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps an output stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Send writes one message.
func (w *Writer) Send(msgType MessageType, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal ipc payload: %w", err)
		}
		raw = encoded
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(Message{Type: msgType, Data: raw}); err != nil {
		return fmt.Errorf("failed to write ipc message: %w", err)
	}
	return nil
}

// Reader consumes newline-delimited JSON messages.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps an input stream.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next reads the next message. Returns io.EOF when the stream ends; lines
// that fail to parse are skipped.
func (r *Reader) Next() (*Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == "" {
			continue
		}
		return &msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ForwardingBus wraps a process-local event bus and mirrors every publish
// onto the IPC stream. The server re-delivers forwarded events on its own
// bus, so subscribers there see worker events even without NATS.
type ForwardingBus struct {
	bus.EventBus
	writer *Writer
}

// NewForwardingBus wraps inner so publishes also reach the parent process.
func NewForwardingBus(inner bus.EventBus, w *Writer) *ForwardingBus {
	return &ForwardingBus{EventBus: inner, writer: w}
}

// Publish delivers locally, then forwards the frame to the parent.
func (f *ForwardingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	if err := f.EventBus.Publish(ctx, subject, event); err != nil {
		return err
	}
	return f.writer.Send(TypeEvent, EventData{Subject: subject, Event: event})
}

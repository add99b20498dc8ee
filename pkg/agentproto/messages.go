// Package agentproto defines the reverse-tunnel agent protocol.
//
// An agent runs next to a remote container daemon and dials the server over
// WebSocket, so the server never needs to reach the daemon's network. All
// frames are JSON text messages carrying a "type" discriminator; binary
// response bodies are base64-encoded strings flagged with isBinary.
package agentproto

import (
	"encoding/json"
	"fmt"
)

// MessageType is the frame discriminator.
type MessageType string

const (
	TypeHello          MessageType = "hello"
	TypeWelcome        MessageType = "welcome"
	TypeRequest        MessageType = "request"
	TypeResponse       MessageType = "response"
	TypeStream         MessageType = "stream"
	TypeStreamEnd      MessageType = "stream_end"
	TypeMetrics        MessageType = "metrics"
	TypeContainerEvent MessageType = "container_event"
	TypeExecStart      MessageType = "exec_start"
	TypeExecReady      MessageType = "exec_ready"
	TypeExecInput      MessageType = "exec_input"
	TypeExecOutput     MessageType = "exec_output"
	TypeExecResize     MessageType = "exec_resize"
	TypeExecEnd        MessageType = "exec_end"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
)

// Stream cancellation reason sent by the server in a stream_end frame.
const ReasonCancelled = "cancelled"

// ProtocolError reports a malformed or unexpected agent frame. The gateway
// logs these and drops the frame; they never tear down the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "agent protocol error: " + e.Reason
}

// Envelope carries only the discriminator, used to route raw frames.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ParseType extracts the frame type from a raw JSON frame.
func ParseType(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", &ProtocolError{Reason: fmt.Sprintf("invalid frame: %v", err)}
	}
	if env.Type == "" {
		return "", &ProtocolError{Reason: "frame missing type discriminator"}
	}
	return env.Type, nil
}

// Decode unmarshals a raw frame into the given message struct.
// Unknown fields are ignored; a decode failure is a ProtocolError.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed %T: %v", v, err)}
	}
	return nil
}

// Hello is the first frame an agent sends after connecting.
type Hello struct {
	Type          MessageType `json:"type"`
	Version       string      `json:"version"`
	AgentID       string      `json:"agentId"`
	AgentName     string      `json:"agentName"`
	Token         string      `json:"token"`
	DockerVersion string      `json:"dockerVersion"`
	Hostname      string      `json:"hostname"`
	Capabilities  []string    `json:"capabilities"`
}

// Welcome acknowledges a successful hello.
type Welcome struct {
	Type          MessageType `json:"type"`
	EnvironmentID string      `json:"environmentId"`
	Message       string      `json:"message,omitempty"`
}

// Request asks the agent to perform one daemon API call.
type Request struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Streaming bool              `json:"streaming,omitempty"`
}

// Response carries the result of a non-streaming request, or an error
// response that preempts a stream.
type Response struct {
	Type       MessageType       `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	IsBinary   bool              `json:"isBinary,omitempty"`
}

// Stream is one chunk of a streaming request body.
type Stream struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Data      string      `json:"data"`
	StreamTag string      `json:"stream,omitempty"` // "stdout" or "stderr"
	IsBinary  bool        `json:"isBinary,omitempty"`
}

// StreamEnd terminates a streaming request. The server sends it with
// reason "cancelled" to abort a stream it no longer wants.
type StreamEnd struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// HostMetrics is the periodic host report inside a metrics frame.
type HostMetrics struct {
	CPUUsage       float64 `json:"cpuUsage"`
	CPUCores       int     `json:"cpuCores"`
	MemoryTotal    uint64  `json:"memoryTotal"`
	MemoryUsed     uint64  `json:"memoryUsed"`
	MemoryFree     uint64  `json:"memoryFree"`
	DiskTotal      uint64  `json:"diskTotal"`
	DiskUsed       uint64  `json:"diskUsed"`
	DiskFree       uint64  `json:"diskFree"`
	NetworkRxBytes uint64  `json:"networkRxBytes"`
	NetworkTxBytes uint64  `json:"networkTxBytes"`
	Uptime         uint64  `json:"uptime"`
}

// Metrics is the periodic host metrics frame.
type Metrics struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Metrics   HostMetrics `json:"metrics"`
}

// EventPayload is one daemon event inside a container_event frame.
type EventPayload struct {
	ContainerID     string            `json:"containerId"`
	ContainerName   string            `json:"containerName,omitempty"`
	Image           string            `json:"image,omitempty"`
	Action          string            `json:"action"`
	ActorAttributes map[string]string `json:"actorAttributes,omitempty"`
	Timestamp       int64             `json:"timestamp"`
}

// ContainerEvent forwards one daemon event from the agent.
type ContainerEvent struct {
	Type  MessageType  `json:"type"`
	Event EventPayload `json:"event"`
}

// ExecStart opens a bidirectional terminal session on the agent.
type ExecStart struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	ContainerID string      `json:"containerId"`
	Cmd         []string    `json:"cmd,omitempty"`
	TTY         bool        `json:"tty,omitempty"`
}

// ExecReady confirms an exec session is attached.
type ExecReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

// ExecInput carries terminal input to the agent.
type ExecInput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Data      string      `json:"data"`
}

// ExecOutput carries terminal output from the agent.
type ExecOutput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Data      string      `json:"data"`
	StreamTag string      `json:"stream,omitempty"`
}

// ExecResize changes the terminal dimensions.
type ExecResize struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Cols      uint        `json:"cols"`
	Rows      uint        `json:"rows"`
}

// ExecEnd closes an exec session.
type ExecEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	ExitCode  *int        `json:"exitCode,omitempty"`
}

// Ping and Pong are heartbeat frames; every receipt refreshes the
// connection's last-heartbeat timestamp.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Error is an out-of-band error. When RequestID is set it rejects that
// request's waiter; otherwise it is logged.
type Error struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	ErrorMsg  string      `json:"error"`
	Code      string      `json:"code,omitempty"`
}

// Marshal encodes any frame for the wire.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent frame: %w", err)
	}
	return data, nil
}

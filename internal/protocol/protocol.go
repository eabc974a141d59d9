// ABOUTME: Wire protocol for the node session WebSocket
// ABOUTME: JSON envelope framing shared by the gateway and the node controller

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the payload carried by an Envelope.
type FrameType string

// Frame types exchanged over a node session. The gateway sends
// Connected, TaskDispatch, TaskAppend and TaskAbort; the node sends
// Hello, Heartbeat, TaskEvent and JobsReport.
const (
	FrameHello        FrameType = "hello"
	FrameConnected    FrameType = "connected"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameTaskDispatch FrameType = "task.dispatch"
	FrameTaskEvent    FrameType = "task.event"
	FrameTaskAppend   FrameType = "task.append"
	FrameTaskAbort    FrameType = "task.abort"
	FrameJobsReport   FrameType = "jobs.report"
)

// WebSocket close codes used on the node session socket (4000-4999 range
// is reserved for application use).
const (
	CloseAuthFailure = 4401 // handshake credential rejected
	CloseStale       = 4408 // heartbeat timeout
	CloseSuperseded  = 4409 // a newer session for the same node ID took over
)

// Envelope is the outer frame for every message on a node session.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the first frame a node sends after connecting. It carries the
// node's full identity so the gateway can rebuild state after a restart.
type Hello struct {
	NodeID       string   `json:"nodeId"`
	Name         string   `json:"name"`
	Token        string   `json:"token,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Connected acknowledges an accepted handshake. HeartbeatInterval tells
// the node how often the gateway expects to hear from it.
type Connected struct {
	SessionID         string        `json:"sessionId"`
	HeartbeatInterval time.Duration `json:"heartbeatIntervalNs"`
}

// Heartbeat is a liveness beacon. The payload is deliberately minimal;
// any traffic on the session also counts as liveness.
type Heartbeat struct {
	SentAt time.Time `json:"sentAt"`
}

// Message is one conversation entry carried with a dispatch or append.
type Message struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// TaskConfig carries optional per-task execution settings.
type TaskConfig struct {
	Model      string   `json:"model,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

// TaskDispatch instructs the node to start a task.
type TaskDispatch struct {
	TaskID   string     `json:"taskId"`
	Goal     string     `json:"goal"`
	Messages []Message  `json:"messages,omitempty"`
	Config   TaskConfig `json:"config,omitempty"`
}

// EventKind classifies a TaskEvent.
type EventKind string

// A task emits zero or more partial events followed by exactly one
// terminal event: completed, error, or stopped.
const (
	EventPartial   EventKind = "partial"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
	EventStopped   EventKind = "stopped"
)

// Terminal reports whether the event kind ends the task.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventError || k == EventStopped
}

// TaskEvent is a streamed result event for a dispatched task.
type TaskEvent struct {
	TaskID string    `json:"taskId"`
	Kind   EventKind `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// TaskAppend injects a mid-task message into a running task's context.
type TaskAppend struct {
	TaskID  string `json:"taskId"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// TaskAbort asks the node to stop a running task.
type TaskAbort struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// JobSummary describes one locally scheduled recurring job on a node.
// The gateway stores reports verbatim and never interprets them.
type JobSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Goal     string `json:"goal,omitempty"`
}

// JobsReport is a full replacement of a node's job list.
type JobsReport struct {
	Jobs []JobSummary `json:"jobs"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode unmarshals an envelope from raw frame bytes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope's payload into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return nil
}

// ABOUTME: Store interface and data types for flock-gateway persistence
// ABOUTME: Defines TaskRecord, NodeRecord and the Store interface shared by all backends

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when trying to create a task that already exists
var ErrDuplicateTask = errors.New("task already exists")

// ErrDuplicateNode is returned when trying to create a node that already exists
var ErrDuplicateNode = errors.New("node already exists")

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Task lifecycle: pending -> running -> (completed | error | stopped)
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is an absorbing final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskStopped
}

// NodeStatus represents the connection state of a node
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeActive  NodeStatus = "active"
	NodeOffline NodeStatus = "offline"
)

// Message is one entry of a task's ordered conversation context
type Message struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// TaskRecord represents one submitted unit of work dispatched to a node
type TaskRecord struct {
	ID        string
	NodeID    string
	Goal      string
	Messages  []Message
	Status    TaskStatus
	Result    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeRecord represents the identity and last-known state of a worker daemon.
// Jobs holds the node's last-reported job list verbatim as JSON; the gateway
// never interprets it.
type NodeRecord struct {
	ID           string
	Name         string
	Capabilities []string
	Status       NodeStatus
	LastSeen     time.Time
	Jobs         []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store defines the interface for task and node record persistence.
// Backends differ only in durability, never in semantics. Concurrent
// update on the same record ID is safe; last write wins.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, task *TaskRecord) error
	ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error)

	// Nodes
	CreateNode(ctx context.Context, node *NodeRecord) error
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	UpdateNode(ctx context.Context, node *NodeRecord) error
	ListNodes(ctx context.Context) ([]*NodeRecord, error)

	// Close releases any resources held by the store
	Close() error
}

// New creates a store for the given backend name ("memory" or "sqlite").
func New(backend, path string) (Store, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

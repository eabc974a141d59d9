// ABOUTME: In-memory implementation of the Store interface
// ABOUTME: Loses all state on restart; used for dev deployments and tests

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with plain maps guarded by a RWMutex.
// Records are deep-copied on the way in and out so callers can never
// mutate shared state.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord
	nodes map[string]*NodeRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*TaskRecord),
		nodes: make(map[string]*NodeRecord),
	}
}

func copyTask(t *TaskRecord) *TaskRecord {
	cp := *t
	if t.Messages != nil {
		cp.Messages = make([]Message, len(t.Messages))
		copy(cp.Messages, t.Messages)
	}
	return &cp
}

func copyNode(n *NodeRecord) *NodeRecord {
	cp := *n
	if n.Capabilities != nil {
		cp.Capabilities = make([]string, len(n.Capabilities))
		copy(cp.Capabilities, n.Capabilities)
	}
	if n.Jobs != nil {
		cp.Jobs = make([]byte, len(n.Jobs))
		copy(cp.Jobs, n.Jobs)
	}
	return &cp
}

// CreateTask stores a new task record. Returns ErrDuplicateTask if the ID exists.
func (m *MemoryStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask returns a copy of the task with the given ID, or ErrNotFound.
func (m *MemoryStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// UpdateTask replaces the stored task record. Returns ErrNotFound if absent.
func (m *MemoryStore) UpdateTask(ctx context.Context, task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

// ListTasks returns tasks ordered by creation time, newest first.
func (m *MemoryStore) ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TaskRecord, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateNode stores a new node record. Returns ErrDuplicateNode if the ID exists.
func (m *MemoryStore) CreateNode(ctx context.Context, node *NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.ID]; exists {
		return ErrDuplicateNode
	}

	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	m.nodes[node.ID] = copyNode(node)
	return nil
}

// GetNode returns a copy of the node with the given ID, or ErrNotFound.
func (m *MemoryStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

// UpdateNode replaces the stored node record. Returns ErrNotFound if absent.
func (m *MemoryStore) UpdateNode(ctx context.Context, node *NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node.ID]; !ok {
		return ErrNotFound
	}
	node.UpdatedAt = time.Now()
	m.nodes[node.ID] = copyNode(node)
	return nil
}

// ListNodes returns all node records ordered by ID.
func (m *MemoryStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*NodeRecord, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

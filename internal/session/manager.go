// ABOUTME: Manages the table of connected node sessions keyed by node ID
// ABOUTME: Enforces at most one active session per node; a reconnect supersedes the prior session

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Info contains public information about a connected node session.
type Info struct {
	SessionID    string
	NodeID       string
	Name         string
	Capabilities []string
	LastSeen     time.Time
}

// Manager owns the live session table for one gateway instance. It is
// injected into the components that need it; there is no global registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register binds a session to its node ID, superseding any prior session
// for the same ID. The superseded session (or nil) is returned; the caller
// is responsible for closing it. The swap is atomic, so two sessions for
// one node ID never both accept dispatch.
func (m *Manager) Register(s *Session) *Session {
	m.mu.Lock()
	prev := m.sessions[s.NodeID]
	m.sessions[s.NodeID] = s
	total := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("node connected",
		"node_id", s.NodeID,
		"name", s.Name,
		"capabilities", s.Capabilities,
		"superseded", prev != nil,
		"total_nodes", total,
	)
	return prev
}

// Unregister removes a session, but only if it is still the current
// session for its node ID. Returns true if the session was removed.
// A superseded session unregistering later must not evict its successor.
func (m *Manager) Unregister(nodeID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[nodeID]
	if !ok || current.ID != sessionID {
		return false
	}

	delete(m.sessions, nodeID)
	m.logger.Info("node disconnected",
		"node_id", nodeID,
		"total_nodes", len(m.sessions),
	)
	return true
}

// Get retrieves the current session for a node ID.
func (m *Manager) Get(nodeID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[nodeID]
	return s, ok
}

// IsOnline reports whether a node currently has a live session.
func (m *Manager) IsOnline(nodeID string) bool {
	_, ok := m.Get(nodeID)
	return ok
}

// Count returns the number of connected nodes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns information about all connected sessions.
func (m *Manager) List() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, &Info{
			SessionID:    s.ID,
			NodeID:       s.NodeID,
			Name:         s.Name,
			Capabilities: s.Capabilities,
			LastSeen:     s.LastSeen(),
		})
	}
	return out
}

// Stale returns sessions with no observed traffic within the timeout.
// The liveness watchdog closes these; a partitioned node may be marked
// offline while still alive and must reconnect to become active again.
func (m *Manager) Stale(timeout time.Duration) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var stale []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastSeen()) > timeout {
			stale = append(stale, s)
		}
	}
	return stale
}

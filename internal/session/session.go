// ABOUTME: Represents one live node connection and routes its task event stream
// ABOUTME: Handles frame sending and per-task event channels with a bounded-queue policy

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/flockhq/flock-gateway/internal/protocol"
)

// taskEventBuffer bounds the per-task event queue between the session
// reader and the dispatcher consumer. Partial events beyond the buffer
// are dropped with a log line; terminal events are never dropped (the
// reader blocks until the consumer takes them or the session closes).
const taskEventBuffer = 32

// Session is the live connection binding for one node. It is rebuilt on
// every reconnect and never persisted.
type Session struct {
	ID           string
	NodeID       string
	Name         string
	Capabilities []string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.RWMutex
	pending  map[string]chan *protocol.TaskEvent
	lastSeen time.Time

	closeOnce sync.Once
	closed    chan struct{}
	logger    *slog.Logger
}

// New creates a Session for an accepted node connection.
func New(nodeID, name string, caps []string, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		ID:           uuid.New().String(),
		NodeID:       nodeID,
		Name:         name,
		Capabilities: caps,
		conn:         conn,
		pending:      make(map[string]chan *protocol.TaskEvent),
		lastSeen:     time.Now(),
		closed:       make(chan struct{}),
		logger:       logger,
	}
}

// Send encodes a payload into an envelope and writes it to the socket.
// Writes are serialized; the WebSocket does not support concurrent writers.
func (s *Session) Send(ctx context.Context, t protocol.FrameType, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// OpenTask registers a task on this session and returns its event channel.
// The caller must eventually call CloseTask to clean up.
func (s *Session) OpenTask(taskID string) <-chan *protocol.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *protocol.TaskEvent, taskEventBuffer)
	s.pending[taskID] = ch
	return ch
}

// CloseTask closes and removes the event channel for a task.
func (s *Session) CloseTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.pending[taskID]; ok {
		close(ch)
		delete(s.pending, taskID)
	}
}

// CloseAllTasks closes every open task event channel. Consumers observe
// the close and reconcile their task records.
func (s *Session) CloseAllTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// OpenTasks returns the IDs of tasks currently bound to this session.
func (s *Session) OpenTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// HandleEvent routes a task event to its pending channel. Events for
// unknown tasks are logged and discarded. Partial events are dropped when
// the consumer is behind; terminal events wait for the consumer. A
// terminal event detaches the channel, so anything a node emits after its
// terminal event lands in the unknown-task branch.
func (s *Session) HandleEvent(ev *protocol.TaskEvent) {
	if ev.Kind.Terminal() {
		// Take sole ownership of the channel before sending so no
		// concurrent CloseTask can close it under the send.
		s.mu.Lock()
		ch, ok := s.pending[ev.TaskID]
		delete(s.pending, ev.TaskID)
		s.mu.Unlock()

		if !ok {
			s.logger.Warn("received event for unknown task",
				"task_id", ev.TaskID,
				"node_id", s.NodeID,
			)
			return
		}

		select {
		case ch <- ev:
		case <-s.closed:
		}
		close(ch)
		return
	}

	// The read lock is held across the send; CloseTask and CloseAllTasks
	// take the write lock, so the channel cannot close mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.pending[ev.TaskID]
	if !ok {
		s.logger.Warn("received event for unknown task",
			"task_id", ev.TaskID,
			"node_id", s.NodeID,
		)
		return
	}

	select {
	case ch <- ev:
	default:
		s.logger.Warn("task event queue full, dropping partial",
			"task_id", ev.TaskID,
			"node_id", s.NodeID,
		)
	}
}

// Touch records traffic from the node for liveness tracking.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the most recent traffic from the node.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Close terminates the connection with the given close code. Safe to call
// multiple times; only the first call takes effect.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}

// Done returns a channel closed when the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

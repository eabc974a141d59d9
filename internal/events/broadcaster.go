// ABOUTME: In-memory fan-out of task updates for streaming clients
// ABOUTME: Subscribers register per task ID and receive updates as events are persisted

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flockhq/flock-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Update is one pushed task state change. Partial carries incremental
// output text for non-terminal updates.
type Update struct {
	TaskID  string           `json:"taskId"`
	Status  store.TaskStatus `json:"status"`
	Partial string           `json:"partial,omitempty"`
	Result  string           `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Broadcaster provides in-memory pub/sub for task updates. It backs the
// SSE endpoint so clients can subscribe by task ID instead of polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // taskID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on the given task ID.
// Returns the update channel and a subscription ID. The subscription is
// cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[taskID]; !ok {
		b.subscribers[taskID] = make(map[string]chan Update)
	}
	b.subscribers[taskID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(taskID, subID)
	}()

	return ch, subID
}

// Publish sends an update to all subscribers of the task.
// Non-blocking: updates are dropped for subscribers whose channels are full.
// Sends happen under the read lock; Unsubscribe and Close take the write
// lock before closing a channel, so a send never races a close.
func (b *Broadcaster) Publish(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[update.TaskID] {
		select {
		case ch <- update:
		default:
			b.logger.Debug("dropped update for slow subscriber",
				"task_id", update.TaskID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(taskID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[taskID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, taskID)
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for taskID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, taskID)
	}
}

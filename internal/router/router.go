// ABOUTME: Routes verified inbound channel messages to tasks by conversation identity
// ABOUTME: Applies at-most-one-active-task-per-conversation with append-in-place for mid-task messages

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flockhq/flock-gateway/internal/dispatch"
	"github.com/flockhq/flock-gateway/internal/store"
	"github.com/flockhq/flock-gateway/internal/webhook"
)

// ErrNoDefaultNode means no default node is configured for webhook-originated tasks.
var ErrNoDefaultNode = errors.New("no default node configured")

// Dispatcher is the slice of the task dispatcher the router needs.
type Dispatcher interface {
	Submit(ctx context.Context, req *dispatch.SubmitRequest) (*store.TaskRecord, error)
	Get(ctx context.Context, taskID string) (*store.TaskRecord, error)
	Append(ctx context.Context, taskID, sender, content string) error
	Stop(ctx context.Context, taskID, reason string) error
}

// conversation tracks one conversation key's task lineage. Its mutex
// serializes routing for the conversation so messages apply in arrival
// order; unrelated conversations proceed independently.
type conversation struct {
	mu     sync.Mutex
	taskID string
}

// Router maps conversation identities to tasks. A conversation with no
// active task gets a new task on the default node; a message arriving
// mid-task is appended in place to the running task's context, never
// dropped.
type Router struct {
	dispatcher  Dispatcher
	defaultNode string
	logger      *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// New creates a Router targeting the given default node.
func New(d Dispatcher, defaultNode string, logger *slog.Logger) *Router {
	return &Router{
		dispatcher:    d,
		defaultNode:   defaultNode,
		logger:        logger,
		conversations: make(map[string]*conversation),
	}
}

// Route handles one verified inbound message.
func (r *Router) Route(ctx context.Context, msg *webhook.InboundMessage) error {
	conv := r.conversation(key(msg.Channel, msg.ConversationID))
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if isStopCommand(msg.Text) {
		return r.stopLocked(ctx, conv, "stop requested by "+msg.Sender)
	}

	if conv.taskID != "" {
		rec, err := r.dispatcher.Get(ctx, conv.taskID)
		if err == nil && !rec.Status.Terminal() {
			r.logger.Debug("appending to running task",
				"task_id", conv.taskID,
				"channel", msg.Channel,
			)
			err = r.dispatcher.Append(ctx, conv.taskID, msg.Sender, msg.Text)
			if err == nil {
				return nil
			}
			// The task can reach a terminal state between the status
			// check and the append. The message must still land
			// somewhere, so it becomes the goal of a fresh task.
			if !errors.Is(err, dispatch.ErrTaskNotRunning) {
				return err
			}
			r.logger.Info("task ended mid-route, starting fresh task",
				"task_id", conv.taskID,
				"channel", msg.Channel,
			)
		}
		conv.taskID = ""
	}

	if r.defaultNode == "" {
		return ErrNoDefaultNode
	}

	rec, err := r.dispatcher.Submit(ctx, &dispatch.SubmitRequest{
		Goal:   msg.Text,
		NodeID: r.defaultNode,
	})
	if err != nil {
		return fmt.Errorf("submitting conversation task: %w", err)
	}

	conv.taskID = rec.ID
	r.logger.Info("conversation task started",
		"task_id", rec.ID,
		"channel", msg.Channel,
		"conversation_id", msg.ConversationID,
	)
	return nil
}

// Interrupt stops a conversation's active task via the explicit control
// path. Interrupting a conversation with no active task is a no-op, not
// an error.
func (r *Router) Interrupt(ctx context.Context, channel, conversationID, reason string) error {
	conv := r.conversation(key(channel, conversationID))
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if reason == "" {
		reason = "interrupted"
	}
	return r.stopLocked(ctx, conv, reason)
}

// ActiveTask returns the task currently owning a conversation, if any.
func (r *Router) ActiveTask(ctx context.Context, channel, conversationID string) (string, bool) {
	conv := r.conversation(key(channel, conversationID))
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.taskID == "" {
		return "", false
	}
	rec, err := r.dispatcher.Get(ctx, conv.taskID)
	if err != nil || rec.Status.Terminal() {
		return "", false
	}
	return conv.taskID, true
}

// stopLocked delivers an interrupt to the conversation's active task.
// Caller must hold conv.mu.
func (r *Router) stopLocked(ctx context.Context, conv *conversation, reason string) error {
	if conv.taskID == "" {
		return nil
	}

	taskID := conv.taskID
	conv.taskID = ""

	rec, err := r.dispatcher.Get(ctx, taskID)
	if err != nil || rec.Status.Terminal() {
		return nil
	}

	r.logger.Info("interrupting conversation task",
		"task_id", taskID,
		"reason", reason,
	)
	return r.dispatcher.Stop(ctx, taskID, reason)
}

// conversation returns (creating if needed) the tracking entry for a key.
func (r *Router) conversation(k string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[k]
	if !ok {
		c = &conversation{}
		r.conversations[k] = c
	}
	return c
}

func key(channel, conversationID string) string {
	return channel + ":" + conversationID
}

// isStopCommand recognizes an interrupt request in inbound text.
func isStopCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "stop", "/stop", "!stop":
		return true
	}
	return false
}

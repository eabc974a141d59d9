// ABOUTME: Task dispatcher that pairs task records with live node sessions
// ABOUTME: Owns every TaskRecord mutation after creation and enforces one terminal transition per task

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flockhq/flock-gateway/internal/events"
	"github.com/flockhq/flock-gateway/internal/protocol"
	"github.com/flockhq/flock-gateway/internal/session"
	"github.com/flockhq/flock-gateway/internal/store"
)

// Dispatcher errors
var (
	// ErrNodeUnavailable means the target node has no live session.
	// There is no durable work queue; submission fails fast instead.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrDispatchFailed means the session dropped mid-send.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrTaskNotRunning means a mid-task operation targeted a task
	// that is not currently running.
	ErrTaskNotRunning = errors.New("task is not running")
)

// Dispatcher creates task records, forwards them over node sessions, and
// applies streamed result events back to the store in arrival order.
type Dispatcher struct {
	store    store.Store
	sessions *session.Manager
	events   *events.Broadcaster
	logger   *slog.Logger

	// per-task locks serialize read-modify-write on one record while
	// unrelated tasks proceed independently
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// terminalHook, when set, observes every applied terminal transition
	terminalHook func(store.TaskStatus)
}

// SetTerminalHook registers an observer for terminal transitions.
// Used by the gateway for metrics. Must be set before tasks are submitted.
func (d *Dispatcher) SetTerminalHook(hook func(store.TaskStatus)) {
	d.terminalHook = hook
}

// New creates a Dispatcher.
func New(s store.Store, sessions *session.Manager, broadcaster *events.Broadcaster, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		sessions: sessions,
		events:   broadcaster,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SubmitRequest describes a task submission.
type SubmitRequest struct {
	Goal     string
	NodeID   string
	Messages []store.Message
	Config   protocol.TaskConfig
}

// Submit validates the target node has a live session, creates the task
// record, and dispatches it. It returns as soon as the dispatch frame is
// written, not when the task finishes. With no live session it returns
// ErrNodeUnavailable without creating any record.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*store.TaskRecord, error) {
	if req.Goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	if req.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}

	sess, ok := d.sessions.Get(req.NodeID)
	if !ok {
		return nil, ErrNodeUnavailable
	}

	rec := &store.TaskRecord{
		ID:       uuid.New().String(),
		NodeID:   req.NodeID,
		Goal:     req.Goal,
		Messages: req.Messages,
		Status:   store.TaskPending,
	}
	if err := d.store.CreateTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating task record: %w", err)
	}

	rec.Status = store.TaskRunning
	if err := d.store.UpdateTask(ctx, rec); err != nil {
		// Never leave a record stuck in pending with no way to reconcile.
		d.finalize(rec.ID, store.TaskError, "", "store write failed: "+err.Error(), false)
		return nil, fmt.Errorf("updating task record: %w", err)
	}

	ch := sess.OpenTask(rec.ID)
	dispatch := &protocol.TaskDispatch{
		TaskID:   rec.ID,
		Goal:     rec.Goal,
		Messages: toWireMessages(rec.Messages),
		Config:   req.Config,
	}
	if err := sess.Send(ctx, protocol.FrameTaskDispatch, dispatch); err != nil {
		sess.CloseTask(rec.ID)
		d.finalize(rec.ID, store.TaskError, "", "dispatch failed: "+err.Error(), false)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	d.logger.Debug("task dispatched",
		"task_id", rec.ID,
		"node_id", rec.NodeID,
	)

	d.events.Publish(events.Update{TaskID: rec.ID, Status: store.TaskRunning})
	go d.consume(sess, rec.ID, ch)

	return rec, nil
}

// Get returns the current task record.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*store.TaskRecord, error) {
	return d.store.GetTask(ctx, taskID)
}

// Append injects a message into a running task's context, in arrival
// order, and forwards it to the owning node session.
func (d *Dispatcher) Append(ctx context.Context, taskID, sender, content string) error {
	lock := d.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status != store.TaskRunning {
		return ErrTaskNotRunning
	}

	sess, ok := d.sessions.Get(rec.NodeID)
	if !ok {
		return ErrNodeUnavailable
	}

	frame := &protocol.TaskAppend{TaskID: taskID, Sender: sender, Content: content}
	if err := sess.Send(ctx, protocol.FrameTaskAppend, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	rec.Messages = append(rec.Messages, store.Message{Sender: sender, Content: content})
	if err := d.store.UpdateTask(ctx, rec); err != nil {
		return fmt.Errorf("persisting appended message: %w", err)
	}
	return nil
}

// Stop requests a best-effort abort of a task and optimistically marks it
// stopped once the signal is sent. If the controller later reports a
// different terminal state, the stream consumer reconciles the record.
// Stopping an already-terminal task is a no-op.
func (d *Dispatcher) Stop(ctx context.Context, taskID, reason string) error {
	rec, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if sess, ok := d.sessions.Get(rec.NodeID); ok {
		abort := &protocol.TaskAbort{TaskID: taskID, Reason: reason}
		if err := sess.Send(ctx, protocol.FrameTaskAbort, abort); err != nil {
			d.logger.Warn("abort signal failed",
				"task_id", taskID,
				"error", err,
			)
		}
	}

	if reason == "" {
		reason = "stopped by request"
	}
	return d.finalize(taskID, store.TaskStopped, "", reason, false)
}

// HandleSessionClosed reconciles every non-terminal task bound to a closed
// session in one pass: the closed event channels make each stream consumer
// record a terminal error.
func (d *Dispatcher) HandleSessionClosed(sess *session.Session) {
	open := sess.OpenTasks()
	if len(open) > 0 {
		d.logger.Info("reconciling tasks for closed session",
			"node_id", sess.NodeID,
			"tasks", len(open),
		)
	}
	sess.CloseAllTasks()
}

// ReconcileStartup marks every non-terminal task left over from a previous
// gateway process as errored. Live session bindings do not survive a
// restart, so such tasks can never complete.
func (d *Dispatcher) ReconcileStartup(ctx context.Context) error {
	tasks, err := d.store.ListTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if err := d.finalize(t.ID, store.TaskError, "", "gateway restarted during task", false); err != nil {
			return err
		}
	}
	return nil
}

// consume applies one task's event stream to the store. The channel closing
// without a terminal event means the session dropped mid-task; the task is
// then errored rather than left running indefinitely.
func (d *Dispatcher) consume(sess *session.Session, taskID string, ch <-chan *protocol.TaskEvent) {
	ctx := context.Background()

	for ev := range ch {
		if !ev.Kind.Terminal() {
			d.applyPartial(ctx, taskID, ev.Text)
			continue
		}

		switch ev.Kind {
		case protocol.EventCompleted:
			d.finalize(taskID, store.TaskCompleted, ev.Text, "", true)
		case protocol.EventError:
			d.finalize(taskID, store.TaskError, "", ev.Error, true)
		case protocol.EventStopped:
			d.finalize(taskID, store.TaskStopped, "", ev.Error, true)
		}
		sess.CloseTask(taskID)
		return
	}

	d.finalize(taskID, store.TaskError, "", "node disconnected", false)
}

// applyPartial appends partial output to the record and publishes it.
func (d *Dispatcher) applyPartial(ctx context.Context, taskID, text string) {
	lock := d.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Warn("partial event for missing task", "task_id", taskID, "error", err)
		return
	}
	if rec.Status.Terminal() {
		return
	}

	rec.Result += text
	if err := d.store.UpdateTask(ctx, rec); err != nil {
		d.logger.Warn("persisting partial failed", "task_id", taskID, "error", err)
		return
	}

	d.events.Publish(events.Update{TaskID: taskID, Status: rec.Status, Partial: text})
}

// finalize applies a terminal transition. A record that is already terminal
// is left alone, with one exception: an optimistic stopped status may be
// reconciled by the controller's actual terminal report.
func (d *Dispatcher) finalize(taskID string, status store.TaskStatus, result, errText string, fromController bool) error {
	ctx := context.Background()

	lock := d.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if rec.Status.Terminal() {
		reconcilable := fromController && rec.Status == store.TaskStopped && status != store.TaskStopped
		if !reconcilable {
			return nil
		}
		d.logger.Info("reconciling optimistic stop",
			"task_id", taskID,
			"reported", status,
		)
	}

	rec.Status = status
	if result != "" {
		rec.Result = result
	}
	rec.Error = errText
	if err := d.store.UpdateTask(ctx, rec); err != nil {
		return fmt.Errorf("persisting terminal state: %w", err)
	}

	d.logger.Info("task finished",
		"task_id", taskID,
		"status", status,
	)

	d.events.Publish(events.Update{
		TaskID: taskID,
		Status: status,
		Result: rec.Result,
		Error:  rec.Error,
	})
	if d.terminalHook != nil {
		d.terminalHook(status)
	}
	d.dropLockLater(taskID)
	return nil
}

// taskLock returns the mutex serializing mutations of one task record.
func (d *Dispatcher) taskLock(taskID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[taskID] = lock
	}
	return lock
}

// dropLockLater removes a task's lock entry once it is terminal. The lock
// itself is still held by the caller; removal only stops new lookups from
// reusing it, which is fine because terminal records no longer mutate.
func (d *Dispatcher) dropLockLater(taskID string) {
	d.mu.Lock()
	delete(d.locks, taskID)
	d.mu.Unlock()
}

func toWireMessages(in []store.Message) []protocol.Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Message, len(in))
	for i, m := range in {
		out[i] = protocol.Message{Sender: m.Sender, Content: m.Content}
	}
	return out
}

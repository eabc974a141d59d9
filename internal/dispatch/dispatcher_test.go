// ABOUTME: Tests for task dispatch, terminal transitions, and reconciliation
// ABOUTME: Uses a real WebSocket pair so session sends exercise the wire path

package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockhq/flock-gateway/internal/events"
	"github.com/flockhq/flock-gateway/internal/protocol"
	"github.com/flockhq/flock-gateway/internal/session"
	"github.com/flockhq/flock-gateway/internal/store"
)

type testEnv struct {
	store      store.Store
	sessions   *session.Manager
	events     *events.Broadcaster
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		sessions: session.NewManager(logger),
		events:   events.NewBroadcaster(logger),
	}
	env.dispatcher = New(env.store, env.sessions, env.events, logger)
	t.Cleanup(func() {
		env.events.Close()
		env.store.Close()
	})
	return env
}

// connectNode creates a session over a real WebSocket pair and registers
// it. Frames sent to the session are decoded into the returned channel.
func connectNode(t *testing.T, env *testEnv, nodeID string) (*session.Session, <-chan *protocol.Envelope) {
	t.Helper()

	frames := make(chan *protocol.Envelope, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			frames <- env
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	sess := session.New(nodeID, nodeID, nil, conn, slog.Default())
	t.Cleanup(func() { sess.Close(websocket.StatusNormalClosure, "") })
	env.sessions.Register(sess)
	return sess, frames
}

func waitFrame(t *testing.T, frames <-chan *protocol.Envelope, want protocol.FrameType) *protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-frames:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame received", want)
		}
	}
}

func waitStatus(t *testing.T, env *testEnv, taskID string, want store.TaskStatus) *store.TaskRecord {
	t.Helper()
	var rec *store.TaskRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = env.store.GetTask(context.Background(), taskID)
		return err == nil && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return rec
}

func TestSubmit_NoSessionCreatesNoRecord(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal:   "do something",
		NodeID: "offline-node",
	})
	require.ErrorIs(t, err, ErrNodeUnavailable)

	tasks, err := env.store.ListTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "fail-fast submission must not leave a record")
}

func TestSubmit_DispatchesToSession(t *testing.T) {
	env := newTestEnv(t)
	_, frames := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal:   "summarize the logs",
		NodeID: "node-1",
		Messages: []store.Message{
			{Sender: "alice", Content: "focus on errors"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, rec.Status)

	frame := waitFrame(t, frames, protocol.FrameTaskDispatch)
	var dispatch protocol.TaskDispatch
	require.NoError(t, protocol.DecodePayload(frame, &dispatch))
	assert.Equal(t, rec.ID, dispatch.TaskID)
	assert.Equal(t, "summarize the logs", dispatch.Goal)
	require.Len(t, dispatch.Messages, 1)
	assert.Equal(t, "alice", dispatch.Messages[0].Sender)
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{NodeID: "n"})
	require.Error(t, err)

	_, err = env.dispatcher.Submit(context.Background(), &SubmitRequest{Goal: "g"})
	require.Error(t, err)
}

func TestCompletedEventFinalizesTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{
		TaskID: rec.ID, Kind: protocol.EventPartial, Text: "working... ",
	})
	sess.HandleEvent(&protocol.TaskEvent{
		TaskID: rec.ID, Kind: protocol.EventCompleted, Text: "all done",
	})

	final := waitStatus(t, env, rec.ID, store.TaskCompleted)
	assert.Equal(t, "all done", final.Result)
	assert.Empty(t, final.Error)
}

func TestErrorEventFinalizesTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{
		TaskID: rec.ID, Kind: protocol.EventError, Error: "runner crashed",
	})

	final := waitStatus(t, env, rec.ID, store.TaskError)
	assert.Equal(t, "runner crashed", final.Error)
}

func TestPartialEventsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventPartial, Text: "one "})
	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventPartial, Text: "two"})

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(context.Background(), rec.ID)
		return err == nil && got.Result == "one two"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStop_OptimisticallyMarksStopped(t *testing.T) {
	env := newTestEnv(t)
	_, frames := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)
	waitFrame(t, frames, protocol.FrameTaskDispatch)

	require.NoError(t, env.dispatcher.Stop(context.Background(), rec.ID, "operator request"))

	frame := waitFrame(t, frames, protocol.FrameTaskAbort)
	var abort protocol.TaskAbort
	require.NoError(t, protocol.DecodePayload(frame, &abort))
	assert.Equal(t, rec.ID, abort.TaskID)

	final := waitStatus(t, env, rec.ID, store.TaskStopped)
	assert.Equal(t, "operator request", final.Error)
}

func TestStop_TerminalTaskIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventCompleted, Text: "done"})
	waitStatus(t, env, rec.ID, store.TaskCompleted)

	require.NoError(t, env.dispatcher.Stop(context.Background(), rec.ID, ""))

	final, err := env.store.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, final.Status)
	assert.Equal(t, "done", final.Result)
}

func TestStop_ReconciledByControllerReport(t *testing.T) {
	env := newTestEnv(t)
	sess, frames := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)
	waitFrame(t, frames, protocol.FrameTaskDispatch)

	require.NoError(t, env.dispatcher.Stop(context.Background(), rec.ID, ""))
	waitStatus(t, env, rec.ID, store.TaskStopped)

	// The node finished anyway before observing the abort. Its terminal
	// report wins over the optimistic stopped status.
	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventCompleted, Text: "finished"})

	final := waitStatus(t, env, rec.ID, store.TaskCompleted)
	assert.Equal(t, "finished", final.Result)
}

func TestStop_UnknownTask(t *testing.T) {
	env := newTestEnv(t)
	err := env.dispatcher.Stop(context.Background(), "missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppend_ForwardsAndPersists(t *testing.T) {
	env := newTestEnv(t)
	_, frames := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)
	waitFrame(t, frames, protocol.FrameTaskDispatch)

	require.NoError(t, env.dispatcher.Append(context.Background(), rec.ID, "alice", "also check warnings"))

	frame := waitFrame(t, frames, protocol.FrameTaskAppend)
	var appendFrame protocol.TaskAppend
	require.NoError(t, protocol.DecodePayload(frame, &appendFrame))
	assert.Equal(t, "also check warnings", appendFrame.Content)

	got, err := env.store.GetTask(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "alice", got.Messages[0].Sender)
}

func TestAppend_RequiresRunningTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventCompleted})
	waitStatus(t, env, rec.ID, store.TaskCompleted)

	err = env.dispatcher.Append(context.Background(), rec.ID, "alice", "too late")
	assert.ErrorIs(t, err, ErrTaskNotRunning)
}

func TestSessionClosedErrorsOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	sess, frames := connectNode(t, env, "node-1")

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)
	waitFrame(t, frames, protocol.FrameTaskDispatch)

	env.dispatcher.HandleSessionClosed(sess)

	final := waitStatus(t, env, rec.ID, store.TaskError)
	assert.Equal(t, "node disconnected", final.Error)
}

func TestReconcileStartup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreateTask(ctx, &store.TaskRecord{
		ID: "stale-running", NodeID: "n", Goal: "g", Status: store.TaskRunning,
	}))
	require.NoError(t, env.store.CreateTask(ctx, &store.TaskRecord{
		ID: "stale-pending", NodeID: "n", Goal: "g", Status: store.TaskPending,
	}))
	require.NoError(t, env.store.CreateTask(ctx, &store.TaskRecord{
		ID: "already-done", NodeID: "n", Goal: "g", Status: store.TaskCompleted, Result: "kept",
	}))

	require.NoError(t, env.dispatcher.ReconcileStartup(ctx))

	for _, id := range []string{"stale-running", "stale-pending"} {
		rec, err := env.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskError, rec.Status)
		assert.Equal(t, "gateway restarted during task", rec.Error)
	}

	done, err := env.store.GetTask(ctx, "already-done")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, done.Status)
	assert.Equal(t, "kept", done.Result)
}

func TestTerminalHookFires(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := connectNode(t, env, "node-1")

	statuses := make(chan store.TaskStatus, 1)
	env.dispatcher.SetTerminalHook(func(s store.TaskStatus) {
		statuses <- s
	})

	rec, err := env.dispatcher.Submit(context.Background(), &SubmitRequest{
		Goal: "g", NodeID: "node-1",
	})
	require.NoError(t, err)

	sess.HandleEvent(&protocol.TaskEvent{TaskID: rec.ID, Kind: protocol.EventCompleted})

	select {
	case s := <-statuses:
		assert.Equal(t, store.TaskCompleted, s)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal hook never fired")
	}
}

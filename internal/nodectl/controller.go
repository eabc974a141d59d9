// ABOUTME: Node-side controller: connects to the gateway, runs tasks, reports results
// ABOUTME: Reconnects forever with capped backoff and guarantees one terminal event per task

package nodectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flockhq/flock-gateway/internal/config"
	"github.com/flockhq/flock-gateway/internal/protocol"
)

// taskInboxSize bounds buffered append messages per running task.
const taskInboxSize = 16

// Controller is the node daemon core. It maintains one connection to the
// gateway at a time and executes dispatched tasks through its Runner.
type Controller struct {
	cfg    *config.NodeConfig
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*runningTask
}

type runningTask struct {
	cancel context.CancelFunc
	inbox  chan protocol.Message
}

// NewController creates a controller. A nil runner defaults to EchoRunner.
func NewController(cfg *config.NodeConfig, runner Runner, logger *slog.Logger) *Controller {
	if runner == nil {
		runner = EchoRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "node", "node_id", cfg.NodeID),
		tasks:  make(map[string]*runningTask),
	}
}

// Run connects to the gateway and serves until ctx is cancelled. Every
// connection loss triggers a reconnect with capped exponential backoff;
// a successful session resets the backoff.
func (c *Controller) Run(ctx context.Context) error {
	wsURL, err := nodeEndpoint(c.cfg.GatewayURL)
	if err != nil {
		return err
	}

	backoff := c.cfg.ReconnectInterval
	for {
		err := c.runSession(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("session ended, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
		if err == nil {
			backoff = c.cfg.ReconnectInterval
		}
	}
}

// nodeEndpoint derives the node session URL from the configured gateway
// base URL, accepting either http(s) or ws(s) schemes.
func nodeEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing gateway_url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("gateway_url scheme %q not supported", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/node"
	return u.String(), nil
}

// runSession dials the gateway, performs the handshake, and processes
// frames until the connection drops or ctx is cancelled.
func (c *Controller) runSession(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()
	defer c.abortAllTasks()

	send := newSender(conn)

	hello := &protocol.Hello{
		NodeID:       c.cfg.NodeID,
		Name:         c.cfg.Name,
		Token:        c.cfg.Token,
		Capabilities: c.cfg.Capabilities,
	}
	if err := send(sessCtx, protocol.FrameHello, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	ack, err := c.readConnected(sessCtx, conn)
	if err != nil {
		return err
	}
	c.logger.Info("connected to gateway",
		"session_id", ack.SessionID,
		"heartbeat_interval", ack.HeartbeatInterval,
	)

	if err := c.reportJobs(sessCtx, send); err != nil {
		c.logger.Warn("reporting jobs failed", "error", err)
	}

	interval := ack.HeartbeatInterval
	if interval <= 0 {
		interval = c.cfg.HeartbeatInterval
	}
	go c.heartbeatLoop(sessCtx, send, interval)

	for {
		_, data, err := conn.Read(sessCtx)
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		c.handleFrame(sessCtx, send, env)
	}
}

// sender serializes writes to the connection.
func newSender(conn *websocket.Conn) func(context.Context, protocol.FrameType, any) error {
	var mu sync.Mutex
	return func(ctx context.Context, t protocol.FrameType, payload any) error {
		data, err := protocol.Encode(t, payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return conn.Write(ctx, websocket.MessageText, data)
	}
}

func (c *Controller) readConnected(ctx context.Context, conn *websocket.Conn) (*protocol.Connected, error) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for connection ack: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.FrameConnected {
		return nil, errors.New("expected connected frame after hello")
	}

	var ack protocol.Connected
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Controller) reportJobs(ctx context.Context, send sendFunc) error {
	jobs, err := LoadJobs(c.cfg.JobsPath)
	if err != nil {
		return err
	}
	return send(ctx, protocol.FrameJobsReport, &protocol.JobsReport{Jobs: jobs})
}

type sendFunc = func(context.Context, protocol.FrameType, any) error

func (c *Controller) heartbeatLoop(ctx context.Context, send sendFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat := &protocol.Heartbeat{SentAt: time.Now()}
			if err := send(ctx, protocol.FrameHeartbeat, beat); err != nil {
				return
			}
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, send sendFunc, env *protocol.Envelope) {
	switch env.Type {
	case protocol.FrameTaskDispatch:
		var task protocol.TaskDispatch
		if err := protocol.DecodePayload(env, &task); err != nil {
			c.logger.Warn("discarding malformed dispatch", "error", err)
			return
		}
		c.startTask(ctx, send, &task)

	case protocol.FrameTaskAppend:
		var frame protocol.TaskAppend
		if err := protocol.DecodePayload(env, &frame); err != nil {
			c.logger.Warn("discarding malformed append", "error", err)
			return
		}
		c.appendToTask(&frame)

	case protocol.FrameTaskAbort:
		var frame protocol.TaskAbort
		if err := protocol.DecodePayload(env, &frame); err != nil {
			c.logger.Warn("discarding malformed abort", "error", err)
			return
		}
		c.abortTask(frame.TaskID)

	default:
		c.logger.Warn("unexpected frame type", "type", env.Type)
	}
}

// startTask runs a dispatched task in its own goroutine and emits exactly
// one terminal event when it finishes.
func (c *Controller) startTask(ctx context.Context, send sendFunc, task *protocol.TaskDispatch) {
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{
		cancel: cancel,
		inbox:  make(chan protocol.Message, taskInboxSize),
	}

	c.mu.Lock()
	if _, exists := c.tasks[task.TaskID]; exists {
		c.mu.Unlock()
		cancel()
		c.logger.Warn("duplicate dispatch ignored", "task_id", task.TaskID)
		return
	}
	c.tasks[task.TaskID] = rt
	c.mu.Unlock()

	c.logger.Info("task started", "task_id", task.TaskID)

	go func() {
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.tasks, task.TaskID)
			c.mu.Unlock()
		}()

		emit := func(text string) {
			ev := &protocol.TaskEvent{
				TaskID: task.TaskID,
				Kind:   protocol.EventPartial,
				Text:   text,
			}
			if err := send(ctx, protocol.FrameTaskEvent, ev); err != nil {
				c.logger.Debug("sending partial failed", "task_id", task.TaskID, "error", err)
			}
		}

		result, err := c.runner.Run(taskCtx, task, rt.inbox, emit)

		ev := &protocol.TaskEvent{TaskID: task.TaskID}
		switch {
		case taskCtx.Err() != nil:
			ev.Kind = protocol.EventStopped
		case err != nil:
			ev.Kind = protocol.EventError
			ev.Error = err.Error()
		default:
			ev.Kind = protocol.EventCompleted
			ev.Text = result
		}

		if err := send(ctx, protocol.FrameTaskEvent, ev); err != nil {
			c.logger.Warn("sending terminal event failed",
				"task_id", task.TaskID,
				"kind", ev.Kind,
				"error", err,
			)
			return
		}
		c.logger.Info("task finished", "task_id", task.TaskID, "kind", ev.Kind)
	}()
}

// appendToTask delivers a mid-task message to the runner's inbox. Full
// inboxes drop the message rather than stall the frame loop.
func (c *Controller) appendToTask(frame *protocol.TaskAppend) {
	c.mu.Lock()
	rt, ok := c.tasks[frame.TaskID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("append for unknown task", "task_id", frame.TaskID)
		return
	}

	msg := protocol.Message{Sender: frame.Sender, Content: frame.Content}
	select {
	case rt.inbox <- msg:
	default:
		c.logger.Warn("task inbox full, dropping append", "task_id", frame.TaskID)
	}
}

func (c *Controller) abortTask(taskID string) {
	c.mu.Lock()
	rt, ok := c.tasks[taskID]
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Info("aborting task", "task_id", taskID)
	rt.cancel()
}

func (c *Controller) abortAllTasks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rt := range c.tasks {
		rt.cancel()
		delete(c.tasks, id)
	}
}

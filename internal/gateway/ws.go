// ABOUTME: WebSocket endpoint for node sessions
// ABOUTME: Handshake authentication, frame read loop, heartbeat tracking, and session cleanup

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flockhq/flock-gateway/internal/protocol"
	"github.com/flockhq/flock-gateway/internal/session"
	"github.com/flockhq/flock-gateway/internal/store"
)

// handshakeTimeout bounds the wait for the node's hello frame.
const handshakeTimeout = 10 * time.Second

// handleNodeWS accepts a node connection, authenticates its hello frame,
// registers the session (superseding any prior session for the node ID),
// and runs the frame read loop until the connection drops.
func (g *Gateway) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Nodes are daemons, not browsers; origin checks do not apply.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	hello, err := g.readHello(r.Context(), conn)
	if err != nil {
		g.metrics.handshakes.WithLabelValues("malformed").Inc()
		g.logger.Warn("node handshake failed", "error", err)
		_ = conn.Close(websocket.StatusProtocolError, "invalid handshake")
		return
	}

	if !g.verifier.TrustsRemote(r.RemoteAddr) {
		if _, err := g.verifier.Verify(hello.Token); err != nil {
			g.metrics.handshakes.WithLabelValues("auth_failure").Inc()
			g.logger.Warn("node authentication failed",
				"node_id", hello.NodeID,
				"remote", r.RemoteAddr,
			)
			_ = conn.Close(protocol.CloseAuthFailure, "authentication failed")
			return
		}
	}

	logger := g.logger.With("node_id", hello.NodeID)
	sess := session.New(hello.NodeID, hello.Name, hello.Capabilities, conn, logger)

	if prev := g.sessions.Register(sess); prev != nil {
		prev.Close(protocol.CloseSuperseded, "superseded by new connection")
	}
	g.metrics.handshakes.WithLabelValues("accepted").Inc()
	g.metrics.connectedNodes.Set(float64(g.sessions.Count()))

	defer func() {
		wasCurrent := g.sessions.Unregister(sess.NodeID, sess.ID)
		sess.Close(websocket.StatusNormalClosure, "")
		g.dispatcher.HandleSessionClosed(sess)
		g.metrics.connectedNodes.Set(float64(g.sessions.Count()))
		if wasCurrent {
			g.setNodeStatus(sess.NodeID, store.NodeOffline)
		}
	}()

	if err := g.upsertNode(r.Context(), hello); err != nil {
		logger.Error("recording node failed", "error", err)
		sess.Close(websocket.StatusInternalError, "store unavailable")
		return
	}

	ack := &protocol.Connected{
		SessionID:         sess.ID,
		HeartbeatInterval: g.config.Nodes.HeartbeatInterval,
	}
	if err := sess.Send(r.Context(), protocol.FrameConnected, ack); err != nil {
		logger.Warn("sending connection ack failed", "error", err)
		return
	}

	g.readFrames(conn, sess, logger)
}

// readHello reads and decodes the first frame of a node connection.
func (g *Gateway) readHello(ctx context.Context, conn *websocket.Conn) (*protocol.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.FrameHello {
		return nil, errors.New("first frame must be hello")
	}

	var hello protocol.Hello
	if err := protocol.DecodePayload(env, &hello); err != nil {
		return nil, err
	}
	if hello.NodeID == "" {
		return nil, errors.New("hello missing nodeId")
	}
	return &hello, nil
}

// readFrames processes inbound frames until the connection closes.
// Every frame counts as liveness traffic.
func (g *Gateway) readFrames(conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	ctx := context.Background()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("session read ended", "error", err)
			return
		}
		sess.Touch()

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.FrameHeartbeat:
			g.touchNode(sess.NodeID)

		case protocol.FrameTaskEvent:
			var ev protocol.TaskEvent
			if err := protocol.DecodePayload(env, &ev); err != nil {
				logger.Warn("discarding malformed task event", "error", err)
				continue
			}
			sess.HandleEvent(&ev)

		case protocol.FrameJobsReport:
			g.storeJobsReport(sess.NodeID, env.Payload, logger)

		default:
			logger.Warn("unexpected frame type", "type", env.Type)
		}
	}
}

// upsertNode creates the node record on first handshake or refreshes it
// on reconnect. The gateway exclusively owns node records.
func (g *Gateway) upsertNode(ctx context.Context, hello *protocol.Hello) error {
	rec, err := g.store.GetNode(ctx, hello.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		return g.store.CreateNode(ctx, &store.NodeRecord{
			ID:           hello.NodeID,
			Name:         hello.Name,
			Capabilities: hello.Capabilities,
			Status:       store.NodeActive,
			LastSeen:     time.Now(),
		})
	}
	if err != nil {
		return err
	}

	rec.Name = hello.Name
	rec.Capabilities = hello.Capabilities
	rec.Status = store.NodeActive
	rec.LastSeen = time.Now()
	return g.store.UpdateNode(ctx, rec)
}

// touchNode refreshes a node record's heartbeat timestamp.
func (g *Gateway) touchNode(nodeID string) {
	ctx := context.Background()
	rec, err := g.store.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	rec.LastSeen = time.Now()
	rec.Status = store.NodeActive
	if err := g.store.UpdateNode(ctx, rec); err != nil {
		g.logger.Warn("updating heartbeat failed", "node_id", nodeID, "error", err)
	}
}

// setNodeStatus updates a node record's connection status.
func (g *Gateway) setNodeStatus(nodeID string, status store.NodeStatus) {
	ctx := context.Background()
	rec, err := g.store.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	rec.Status = status
	if err := g.store.UpdateNode(ctx, rec); err != nil {
		g.logger.Warn("updating node status failed", "node_id", nodeID, "error", err)
	}
}

// storeJobsReport stores a node's reported job list verbatim. Each report
// is a full replacement; the gateway never interprets job contents.
func (g *Gateway) storeJobsReport(nodeID string, payload []byte, logger *slog.Logger) {
	var report protocol.JobsReport
	if err := protocol.DecodePayload(&protocol.Envelope{Type: protocol.FrameJobsReport, Payload: payload}, &report); err != nil {
		logger.Warn("discarding malformed jobs report", "error", err)
		return
	}

	ctx := context.Background()
	rec, err := g.store.GetNode(ctx, nodeID)
	if err != nil {
		logger.Warn("jobs report for unknown node", "error", err)
		return
	}
	rec.Jobs = append([]byte(nil), payload...)
	if err := g.store.UpdateNode(ctx, rec); err != nil {
		logger.Warn("storing jobs report failed", "error", err)
		return
	}
	logger.Info("jobs report stored", "jobs", len(report.Jobs))
}

// watchdog periodically closes sessions with no traffic within the
// heartbeat timeout. The closed connection unwinds through the read loop's
// cleanup path, which marks the node offline and errors its tasks.
func (g *Gateway) watchdog(ctx context.Context) {
	interval := g.config.Nodes.HeartbeatTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.sessions.Stale(g.config.Nodes.HeartbeatTimeout) {
				g.logger.Warn("closing stale session",
					"node_id", s.NodeID,
					"last_seen", s.LastSeen(),
				)
				s.Close(protocol.CloseStale, "heartbeat timeout")
			}
		}
	}
}

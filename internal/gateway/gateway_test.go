// ABOUTME: End-to-end tests for the gateway HTTP surface and node WebSocket endpoint
// ABOUTME: Drives real WebSocket sessions against the mux with an in-memory store

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockhq/flock-gateway/internal/config"
	"github.com/flockhq/flock-gateway/internal/protocol"
	"github.com/flockhq/flock-gateway/internal/store"
)

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.store.Close() })

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)
	return gw, srv
}

// nodeConn is a raw node-side connection for driving the WS endpoint.
type nodeConn struct {
	conn *websocket.Conn
	t    *testing.T
}

func dialNode(t *testing.T, srv *httptest.Server) *nodeConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/node"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	nc := &nodeConn{conn: conn, t: t}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return nc
}

func (nc *nodeConn) send(frameType protocol.FrameType, payload any) {
	nc.t.Helper()
	data, err := protocol.Encode(frameType, payload)
	require.NoError(nc.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(nc.t, nc.conn.Write(ctx, websocket.MessageText, data))
}

func (nc *nodeConn) read() (*protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := nc.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (nc *nodeConn) handshake(nodeID string) *protocol.Connected {
	nc.t.Helper()
	nc.send(protocol.FrameHello, &protocol.Hello{
		NodeID:       nodeID,
		Name:         nodeID,
		Capabilities: []string{"code"},
	})

	env, err := nc.read()
	require.NoError(nc.t, err)
	require.Equal(nc.t, protocol.FrameConnected, env.Type)

	var ack protocol.Connected
	require.NoError(nc.t, protocol.DecodePayload(env, &ack))
	return &ack
}

func apiRequest(t *testing.T, srv *httptest.Server, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestNodeHandshake(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	ack := nc.handshake("node-1")

	assert.NotEmpty(t, ack.SessionID)
	assert.Equal(t, gw.config.Nodes.HeartbeatInterval, ack.HeartbeatInterval)

	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := gw.store.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, store.NodeActive, rec.Status)
	assert.Equal(t, []string{"code"}, rec.Capabilities)
}

func TestNodeHandshake_AuthFailure(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.TrustLocalhost = false
		cfg.Auth.APIToken = "node-secret"
	})

	nc := dialNode(t, srv)
	nc.send(protocol.FrameHello, &protocol.Hello{NodeID: "node-1", Token: "wrong"})

	_, err := nc.read()
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(protocol.CloseAuthFailure), websocket.CloseStatus(err))
}

func TestNodeHandshake_ValidToken(t *testing.T) {
	gw, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.TrustLocalhost = false
		cfg.Auth.APIToken = "node-secret"
	})

	nc := dialNode(t, srv)
	nc.send(protocol.FrameHello, &protocol.Hello{NodeID: "node-1", Token: "node-secret"})

	env, err := nc.read()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameConnected, env.Type)

	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectSupersedesSession(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	first := dialNode(t, srv)
	first.handshake("node-1")

	second := dialNode(t, srv)
	second.handshake("node-1")

	// The first connection is closed with the supersede code.
	_, err := first.read()
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(protocol.CloseSuperseded), websocket.CloseStatus(err))

	assert.True(t, gw.sessions.IsOnline("node-1"))
	assert.Equal(t, 1, gw.sessions.Count())
}

func TestTaskDispatchRoundTrip(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	nc.handshake("node-1")
	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := apiRequest(t, srv, http.MethodPost, "/api/tasks",
		`{"goal":"summarize the logs","nodeId":"node-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, "running", task.Status)

	// The node receives the dispatch frame.
	env, err := nc.read()
	require.NoError(t, err)
	require.Equal(t, protocol.FrameTaskDispatch, env.Type)

	var dispatched protocol.TaskDispatch
	require.NoError(t, protocol.DecodePayload(env, &dispatched))
	assert.Equal(t, task.ID, dispatched.TaskID)

	// Report completion and observe it via the API.
	nc.send(protocol.FrameTaskEvent, &protocol.TaskEvent{
		TaskID: task.ID,
		Kind:   protocol.EventCompleted,
		Text:   "done",
	})

	require.Eventually(t, func() bool {
		resp, body := apiRequest(t, srv, http.MethodGet, "/api/tasks/"+task.ID, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var got struct {
			Status string `json:"status"`
			Result string `json:"result"`
		}
		return json.Unmarshal(body, &got) == nil &&
			got.Status == "completed" && got.Result == "done"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitTask_NodeOffline(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, body := apiRequest(t, srv, http.MethodPost, "/api/tasks",
		`{"goal":"anything","nodeId":"ghost"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "not connected")

	// Fail-fast: no record was created.
	resp, body = apiRequest(t, srv, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list.Tasks)
}

func TestSubmitTask_Validation(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, _ := apiRequest(t, srv, http.MethodPost, "/api/tasks", `{"nodeId":"node-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = apiRequest(t, srv, http.MethodPost, "/api/tasks", `{"goal":"g"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = apiRequest(t, srv, http.MethodPost, "/api/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, _ := apiRequest(t, srv, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopTask(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	nc.handshake("node-1")
	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := apiRequest(t, srv, http.MethodPost, "/api/tasks",
		`{"goal":"long running","nodeId":"node-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &task))

	resp, _ = apiRequest(t, srv, http.MethodPost, "/api/tasks/"+task.ID+"/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetTask(context.Background(), task.ID)
		return err == nil && rec.Status == store.TaskStopped
	}, 5*time.Second, 20*time.Millisecond)
}

func TestListNodes(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	nc.handshake("node-1")
	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	for _, path := range []string{"/api/nodes", "/api/vibers"} {
		resp, body := apiRequest(t, srv, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got struct {
			Connected int `json:"connected"`
			Nodes     []struct {
				ID        string `json:"id"`
				Connected bool   `json:"connected"`
			} `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, 1, got.Connected, path)
		require.Len(t, got.Nodes, 1, path)
		assert.True(t, got.Nodes[0].Connected, path)
	}
}

func TestJobsReportStored(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	nc.handshake("node-1")
	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	nc.send(protocol.FrameJobsReport, &protocol.JobsReport{
		Jobs: []protocol.JobSummary{
			{ID: "daily", Name: "Daily summary", Schedule: "0 9 * * *"},
		},
	})

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetNode(context.Background(), "node-1")
		return err == nil && len(rec.Jobs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := gw.store.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	var report protocol.JobsReport
	require.NoError(t, json.Unmarshal(rec.Jobs, &report))
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "daily", report.Jobs[0].ID)
}

func TestDisconnectErrorsRunningTasks(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	nc := dialNode(t, srv)
	nc.handshake("node-1")
	require.Eventually(t, func() bool {
		return gw.sessions.IsOnline("node-1")
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := apiRequest(t, srv, http.MethodPost, "/api/tasks",
		`{"goal":"never finishes","nodeId":"node-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &task))

	_ = nc.conn.Close(websocket.StatusGoingAway, "daemon exit")

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetTask(context.Background(), task.ID)
		return err == nil && rec.Status == store.TaskError && rec.Error == "node disconnected"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetNode(context.Background(), "node-1")
		return err == nil && rec.Status == store.NodeOffline
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, _ := apiRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := apiRequest(t, srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "connected_nodes")
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	resp, body := apiRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flock_connected_nodes")
}

func TestAPIRequiresAuthForRemoteClients(t *testing.T) {
	// trust_localhost is on, and httptest clients come from loopback, so
	// exercise the middleware directly with a remote address.
	gw, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.TrustLocalhost = false
		cfg.Auth.APIToken = "secret"
	})

	handler := gw.httpServer.Handler
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.RemoteAddr = "10.1.2.3:40000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.RemoteAddr = "10.1.2.3:40000"
	r.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInterruptEndpoint(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, _ := apiRequest(t, srv, http.MethodPost, "/api/interrupt",
		`{"channel":"signed","conversationId":"c-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = apiRequest(t, srv, http.MethodPost, "/api/interrupt", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

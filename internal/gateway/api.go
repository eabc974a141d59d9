// ABOUTME: REST API handlers for task submission, inspection, stop, and node listing
// ABOUTME: Includes the SSE stream bridging the event broadcaster to HTTP clients

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flockhq/flock-gateway/internal/dispatch"
	"github.com/flockhq/flock-gateway/internal/events"
	"github.com/flockhq/flock-gateway/internal/store"
)

const maxAPIBody = 1 << 20 // 1 MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type submitTaskRequest struct {
	Goal     string            `json:"goal"`
	NodeID   string            `json:"nodeId,omitempty"`
	Messages []messagePayload  `json:"messages,omitempty"`
	Config   taskConfigPayload `json:"config,omitempty"`
}

type messagePayload struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type taskConfigPayload struct {
	Model      string   `json:"model,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

type taskResponse struct {
	ID        string           `json:"id"`
	NodeID    string           `json:"nodeId"`
	Goal      string           `json:"goal"`
	Status    store.TaskStatus `json:"status"`
	Result    string           `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Messages  []messagePayload `json:"messages,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func toTaskResponse(rec *store.TaskRecord) *taskResponse {
	resp := &taskResponse{
		ID:        rec.ID,
		NodeID:    rec.NodeID,
		Goal:      rec.Goal,
		Status:    rec.Status,
		Result:    rec.Result,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, m := range rec.Messages {
		resp.Messages = append(resp.Messages, messagePayload{Sender: m.Sender, Content: m.Content})
	}
	return resp
}

// handleSubmitTask dispatches a new task to a node. A task is only
// created when the target node has a live session; otherwise the request
// fails with 503 and no record exists.
func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	nodeID := req.NodeID
	if nodeID == "" {
		nodeID = g.config.Nodes.DefaultNode
	}
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "nodeId is required")
		return
	}

	sub := &dispatch.SubmitRequest{
		Goal:   req.Goal,
		NodeID: nodeID,
	}
	for _, m := range req.Messages {
		sub.Messages = append(sub.Messages, store.Message{Sender: m.Sender, Content: m.Content})
	}
	sub.Config.Model = req.Config.Model
	sub.Config.Skills = req.Config.Skills
	sub.Config.WorkingDir = req.Config.WorkingDir

	rec, err := g.dispatcher.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNodeUnavailable):
			writeError(w, http.StatusServiceUnavailable, "node is not connected")
		case errors.Is(err, dispatch.ErrDispatchFailed):
			writeError(w, http.StatusBadGateway, "dispatching to node failed")
		default:
			g.logger.Error("task submission failed", "error", err)
			writeError(w, http.StatusInternalServerError, "task submission failed")
		}
		return
	}

	g.metrics.tasksSubmitted.Inc()
	writeJSON(w, http.StatusCreated, toTaskResponse(rec))
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := g.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading task failed")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(rec))
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := g.store.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}

	out := make([]*taskResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toTaskResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

type stopTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleStopTask requests a stop for a running task. Stopping an already
// terminal task is a no-op and still returns 200.
func (g *Gateway) handleStopTask(w http.ResponseWriter, r *http.Request) {
	var req stopTaskRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "stopped by request"
	}

	if err := g.dispatcher.Stop(r.Context(), r.PathValue("id"), reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "stopping task failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type appendTaskRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// handleAppendTask injects a message into a running task's context.
func (g *Gateway) handleAppendTask(w http.ResponseWriter, r *http.Request) {
	var req appendTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Sender == "" {
		req.Sender = "api"
	}

	err := g.dispatcher.Append(r.Context(), r.PathValue("id"), req.Sender, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, dispatch.ErrTaskNotRunning):
			writeError(w, http.StatusConflict, "task is not running")
		case errors.Is(err, dispatch.ErrNodeUnavailable):
			writeError(w, http.StatusServiceUnavailable, "node is not connected")
		default:
			writeError(w, http.StatusInternalServerError, "append failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type nodeResponse struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Status       store.NodeStatus `json:"status"`
	Connected    bool             `json:"connected"`
	LastSeen     *time.Time       `json:"lastSeen,omitempty"`
	JobsRaw      json.RawMessage  `json:"jobs,omitempty"`
}

// handleListNodes merges persisted node records with live session state.
// The top-level "connected" field is the count of live sessions; each
// node entry carries its own connected flag. Also served at /api/vibers
// for older clients.
func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	recs, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing nodes failed")
		return
	}

	connected := 0
	out := make([]*nodeResponse, 0, len(recs))
	for _, rec := range recs {
		online := g.sessions.IsOnline(rec.ID)
		if online {
			connected++
		}
		resp := &nodeResponse{
			ID:           rec.ID,
			Name:         rec.Name,
			Capabilities: rec.Capabilities,
			Status:       rec.Status,
			Connected:    online,
		}
		if !rec.LastSeen.IsZero() {
			t := rec.LastSeen
			resp.LastSeen = &t
		}
		if len(rec.Jobs) > 0 {
			resp.JobsRaw = json.RawMessage(rec.Jobs)
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"nodes":     out,
	})
}

func (g *Gateway) handleGetNode(w http.ResponseWriter, r *http.Request) {
	rec, err := g.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading node failed")
		return
	}

	resp := &nodeResponse{
		ID:           rec.ID,
		Name:         rec.Name,
		Capabilities: rec.Capabilities,
		Status:       rec.Status,
		Connected:    g.sessions.IsOnline(rec.ID),
	}
	if !rec.LastSeen.IsZero() {
		t := rec.LastSeen
		resp.LastSeen = &t
	}
	if len(rec.Jobs) > 0 {
		resp.JobsRaw = json.RawMessage(rec.Jobs)
	}
	writeJSON(w, http.StatusOK, resp)
}

type interruptRequest struct {
	Channel        string `json:"channel"`
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

// handleInterrupt stops the active task for a conversation. Interrupting
// a conversation with no active task is a no-op.
func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == "" || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "channel and conversationId are required")
		return
	}

	if err := g.router.Interrupt(r.Context(), req.Channel, req.ConversationID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "interrupt failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTaskEvents streams status updates for one task as server-sent
// events. The stream ends after the terminal update or when the client
// disconnects.
func (g *Gateway) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	rec, err := g.dispatcher.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading task failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Snapshot first so late subscribers see the current state.
	writeSSE(w, events.Update{
		TaskID: rec.ID,
		Status: rec.Status,
		Result: rec.Result,
		Error:  rec.Error,
	})
	flusher.Flush()

	if rec.Status.Terminal() {
		return
	}

	ch, _ := g.events.Subscribe(r.Context(), taskID)
	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, update)
			flusher.Flush()
			if update.Status.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, update events.Update) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleHealth is the liveness probe.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness, including store reachability.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListNodes(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connected_nodes": g.sessions.Count(),
	})
}

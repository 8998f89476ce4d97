package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/plexhub/crucible/internal/events"
	"github.com/plexhub/crucible/internal/protocol"
)

// ExecuteRequest is the body of POST /v1/executions. The caller (the plugin
// installation service) has already resolved and authorized the gateway
// handles it passes along.
type ExecuteRequest struct {
	PluginRef string                    `json:"plugin_ref"`
	EventType string                    `json:"event_type"`
	EventData json.RawMessage           `json:"event_data,omitempty"`
	Context   protocol.ExecutionContext `json:"context"`
	TimeoutMS int64                     `json:"timeout_ms,omitempty"`
}

// ExecuteResponse wraps the worker result with its execution id.
type ExecuteResponse struct {
	ExecutionID string                `json:"execution_id"`
	Result      protocol.WorkerResult `json:"result"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.PluginRef == "" {
		s.writeError(w, http.StatusBadRequest, "plugin_ref is required")
		return
	}
	if req.EventType == "" {
		s.writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.Context.TenantID == "" || req.Context.InstallationID == "" {
		s.writeError(w, http.StatusBadRequest, "context.tenant_id and context.installation_id are required")
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout > s.config.MaxTimeout {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("timeout_ms exceeds maximum of %d", s.config.MaxTimeout.Milliseconds()))
		return
	}

	input := protocol.WorkerInput{
		ExecutionID: uuid.NewString(),
		PluginRef:   req.PluginRef,
		EventType:   req.EventType,
		EventData:   req.EventData,
		Context:     req.Context,
	}

	result := s.runner.Execute(r.Context(), input, timeout)
	s.writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID: input.ExecutionID,
		Result:      *result,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.Replay(lastID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

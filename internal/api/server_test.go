package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexhub/crucible/internal/events"
	"github.com/plexhub/crucible/internal/log"
	"github.com/plexhub/crucible/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult

func (f runnerFunc) Execute(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult {
	return f(ctx, input, overallTimeout)
}

func okRunner() Runner {
	return runnerFunc(func(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult {
		return &protocol.WorkerResult{
			Outcome:    protocol.Outcome{Status: protocol.StatusOK, Output: json.RawMessage(`{"echo":true}`)},
			DurationMS: 7,
		}
	})
}

func newTestServer(t *testing.T, runner Runner, hub *events.Hub) *Server {
	t.Helper()
	return New(Config{
		Listen:     "127.0.0.1:0",
		AuthToken:  "test-token",
		MaxTimeout: time.Minute,
	}, runner, hub, log.WithComponent("api-test"))
}

func executeBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"plugin_ref": "builtin:echo",
		"event_type": "chat.message",
		"context": map[string]any{
			"tenant_id":       "tenant-1",
			"installation_id": "inst-1",
		},
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	s := newTestServer(t, okRunner(), nil)

	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestExecuteRequiresAuth(t *testing.T) {
	s := newTestServer(t, okRunner(), nil)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "wrong token", token: "wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/v1/executions", tt.token, executeBody(t, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestExecuteEmptyConfiguredTokenRejectsEverything(t *testing.T) {
	s := New(Config{Listen: "127.0.0.1:0"}, okRunner(), nil, log.WithComponent("api-test"))

	rec := doRequest(s, http.MethodPost, "/v1/executions", "anything", executeBody(t, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "an empty configured token disables the API")
}

func TestExecuteSuccess(t *testing.T) {
	var gotInput protocol.WorkerInput
	var gotTimeout time.Duration
	runner := runnerFunc(func(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult {
		gotInput = input
		gotTimeout = overallTimeout
		return &protocol.WorkerResult{
			Outcome:    protocol.Outcome{Status: protocol.StatusOK, Output: json.RawMessage(`{"n":1}`)},
			DurationMS: 3,
		}
	})
	s := newTestServer(t, runner, nil)

	body := executeBody(t, map[string]any{"timeout_ms": 30000})
	rec := doRequest(s, http.MethodPost, "/v1/executions", "test-token", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "ok", resp.Result.Outcome.Status)
	assert.JSONEq(t, `{"n":1}`, string(resp.Result.Outcome.Output))

	assert.Equal(t, "builtin:echo", gotInput.PluginRef)
	assert.Equal(t, "chat.message", gotInput.EventType)
	assert.Equal(t, "tenant-1", gotInput.Context.TenantID)
	assert.Equal(t, resp.ExecutionID, gotInput.ExecutionID)
	assert.Equal(t, 30*time.Second, gotTimeout)
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t, okRunner(), nil)

	tests := []struct {
		name      string
		overrides map[string]any
		wantMsg   string
	}{
		{name: "missing plugin ref", overrides: map[string]any{"plugin_ref": ""}, wantMsg: "plugin_ref"},
		{name: "missing event type", overrides: map[string]any{"event_type": ""}, wantMsg: "event_type"},
		{name: "missing identity", overrides: map[string]any{"context": map[string]any{}}, wantMsg: "tenant_id"},
		{name: "timeout over cap", overrides: map[string]any{"timeout_ms": int64(10 * time.Minute / time.Millisecond)}, wantMsg: "exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/v1/executions", "test-token", executeBody(t, tt.overrides))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
		})
	}
}

func TestExecuteRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, okRunner(), nil)

	body := executeBody(t, map[string]any{"bogus_field": true})
	rec := doRequest(s, http.MethodPost, "/v1/executions", "test-token", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteFailureResultStillReturns200(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult {
		return &protocol.WorkerResult{
			Outcome:    protocol.Failure("execution timed out"),
			DurationMS: 60000,
		}
	})
	s := newTestServer(t, runner, nil)

	rec := doRequest(s, http.MethodPost, "/v1/executions", "test-token", executeBody(t, nil))
	require.Equal(t, http.StatusOK, rec.Code, "a failed execution is a valid result, not an HTTP error")

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Result.Outcome.Status)
	assert.Equal(t, "execution timed out", resp.Result.Outcome.Error)
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	s := newTestServer(t, okRunner(), nil)

	rec := doRequest(s, http.MethodGet, "/v1/events", "test-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsReplaysHistory(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish("execution.started", map[string]string{"execution_id": "e1"})
	hub.Publish("execution.completed", map[string]string{"execution_id": "e1"})

	s := newTestServer(t, okRunner(), hub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: execution.started")
	assert.Contains(t, body, "event: execution.completed")
	assert.Contains(t, body, "id: 1")
	assert.Contains(t, body, "id: 2")
}

func TestEventsHonorsLastEventID(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish("execution.started", map[string]string{"execution_id": "e1"})
	hub.Publish("execution.completed", map[string]string{"execution_id": "e1"})

	s := newTestServer(t, okRunner(), hub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, "event: execution.started")
	assert.Contains(t, body, "event: execution.completed")
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("garbage"))
	assert.Equal(t, int64(0), parseLastEventID("-5"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "missing header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := extractBearer(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("extractBearer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("extractBearer() = %q, want %q", got, tt.want)
			}
		})
	}
}

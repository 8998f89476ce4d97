package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/plexhub/crucible/internal/protocol"
)

const maxResponseBytes = 1 << 20 // 1 MiB

// Endpoint is the supervisor-side configuration for one gateway kind.
type Endpoint struct {
	// URL receives a JSON POST per execute call.
	URL string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// ResultPath optionally plucks a field out of the response body with a
	// JSONPath expression (e.g. "$.data.message_id"). Empty returns the body.
	ResultPath string
	// Timeout bounds one upstream request. Zero falls back to 10s.
	Timeout time.Duration
}

// HTTPExecutor maps gateway kinds to HTTP endpoints. This is the shipped
// integration transport; anything fancier plugs in behind the Executor
// interface.
type HTTPExecutor struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

// NewHTTPExecutor builds an executor over a kind→endpoint map.
func NewHTTPExecutor(endpoints map[string]Endpoint) *HTTPExecutor {
	return &HTTPExecutor{
		endpoints: endpoints,
		client:    &http.Client{},
	}
}

type executeRequest struct {
	GatewayID string         `json:"gateway_id"`
	Gateway   string         `json:"gateway"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// Execute posts the action to the endpoint configured for the handle's kind
// and returns the (optionally JSONPath-extracted) response.
func (e *HTTPExecutor) Execute(ctx context.Context, handle protocol.GatewayHandle, action string, params map[string]any) (json.RawMessage, error) {
	ep, ok := e.endpoints[handle.Kind]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for gateway kind %q", handle.Kind)
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{
		GatewayID: handle.ID,
		Gateway:   handle.Name,
		Action:    action,
		Params:    params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.AuthToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", handle.Kind, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway %s returned status %d", handle.Kind, resp.StatusCode)
	}
	if len(data) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("gateway %s returned non-JSON response", handle.Kind)
	}

	if ep.ResultPath == "" {
		return json.RawMessage(data), nil
	}
	return extractPath(data, ep.ResultPath)
}

func extractPath(data []byte, path string) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	res, err := jsonpath.JsonPathLookup(doc, path)
	if err != nil {
		return nil, fmt.Errorf("result path %q: %w", path, err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode extracted result: %w", err)
	}
	return out, nil
}

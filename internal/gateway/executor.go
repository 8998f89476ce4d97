// Package gateway performs real integration calls on behalf of sandboxed
// plugins. Executors run only in the supervisor's trusted context; workers
// never see endpoints or credentials.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/plexhub/crucible/internal/protocol"
)

// Executor performs one action against a tenant-configured integration.
// Implementations must be safe for concurrent use across executions.
type Executor interface {
	Execute(ctx context.Context, handle protocol.GatewayHandle, action string, params map[string]any) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, handle protocol.GatewayHandle, action string, params map[string]any) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, handle protocol.GatewayHandle, action string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, handle, action, params)
}

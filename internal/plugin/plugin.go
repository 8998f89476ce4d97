// Package plugin defines the contract between the sandbox and the code it
// runs: the handler entry point, the read-only context handed to it, and the
// loader seam that resolves plugin references into handlers.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plexhub/crucible/internal/protocol"
)

var (
	// ErrNotFound means the plugin reference resolves to nothing.
	ErrNotFound = errors.New("plugin not found")

	// ErrUnsupported means the reference requires an isolation backend that
	// is not configured. Dynamic code loading ships as a seam, not an eval.
	ErrUnsupported = errors.New("no isolation backend configured for plugin")
)

// Ref schemes. A bare name is shorthand for builtin.
const (
	SchemeBuiltin  = "builtin"
	SchemeExternal = "external"
)

// ParseRef splits a plugin reference of the form "scheme:name".
func ParseRef(ref string) (scheme, name string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("plugin ref is empty")
	}
	scheme, name, found := strings.Cut(ref, ":")
	if !found {
		return SchemeBuiltin, scheme, nil
	}
	if name == "" {
		return "", "", fmt.Errorf("plugin ref %q has empty name", ref)
	}
	switch scheme {
	case SchemeBuiltin, SchemeExternal:
		return scheme, name, nil
	default:
		return "", "", fmt.Errorf("plugin ref %q has unknown scheme %q", ref, scheme)
	}
}

// Event is the platform occurrence that triggered the execution.
type Event struct {
	Type string
	Data json.RawMessage
}

// Storage is the key/value facade a handler sees. All round-trip methods are
// mediated by the supervisor; keys are scoped to the installation.
type Storage interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, by int64) (int64, error)
}

// Gateways exposes the tenant's configured integrations. Lookups are local
// over the immutable handle list; only Execute crosses the channel.
type Gateways interface {
	List() []protocol.GatewayHandle
	ByID(id string) (protocol.GatewayHandle, bool)
	ByType(kind string) (protocol.GatewayHandle, bool)
	Execute(ctx context.Context, gatewayID, action string, params map[string]any) (json.RawMessage, error)
}

// Context is the read-only view a handler runs against. It lives only for
// the duration of one OnEvent call.
type Context struct {
	TenantID       string
	OrganizationID string
	InstallationID string
	Config         map[string]any

	Storage  Storage
	Gateways Gateways
}

// ConfigString returns a string-typed config value, or def if absent.
func (c *Context) ConfigString(key, def string) string {
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return def
}

// Output is what a successful handler hands back, with optional usage
// telemetry billed upstream.
type Output struct {
	Data       json.RawMessage
	TokensUsed int64
	APICalls   int64
}

// Handler is a plugin's single entry point. Returning an error fails the
// execution; errors from individual proxy calls are the handler's to catch
// or propagate.
type Handler interface {
	OnEvent(ctx context.Context, event Event, pc *Context) (Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event, pc *Context) (Output, error)

func (f HandlerFunc) OnEvent(ctx context.Context, event Event, pc *Context) (Output, error) {
	return f(ctx, event, pc)
}

// Loader resolves a plugin reference into an executable handler. It is
// injectable so a real sandbox backend can replace the static registry
// without touching the supervisor or the worker runtime.
type Loader interface {
	Load(ref string) (Handler, error)
}

// Package builtin ships the statically registered plugins compiled into the
// host. They are trusted code and double as reference implementations of the
// handler contract.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plexhub/crucible/internal/plugin"
)

// Register adds every builtin handler to reg.
func Register(reg *plugin.Registry) {
	reg.Register("echo", plugin.HandlerFunc(echo))
	reg.Register("counter", plugin.HandlerFunc(counter))
	reg.Register("relay", plugin.HandlerFunc(relay))
}

// echo returns the triggering event unchanged. Useful for wiring checks.
func echo(_ context.Context, event plugin.Event, _ *plugin.Context) (plugin.Output, error) {
	out, err := json.Marshal(map[string]any{
		"event_type": event.Type,
		"event_data": event.Data,
	})
	if err != nil {
		return plugin.Output{}, err
	}
	return plugin.Output{Data: out}, nil
}

// counter tracks how many times each event type has fired for this
// installation. Counts drift under concurrent executions; Increment is a
// two-step read-modify-write, not an atomic verb.
func counter(ctx context.Context, event plugin.Event, pc *plugin.Context) (plugin.Output, error) {
	key := "events:" + event.Type
	count, err := pc.Storage.Increment(ctx, key, 1)
	if err != nil {
		return plugin.Output{}, fmt.Errorf("count event: %w", err)
	}
	if err := pc.Storage.Set(ctx, "last_event_at", time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		return plugin.Output{}, fmt.Errorf("record event time: %w", err)
	}

	out, err := json.Marshal(map[string]any{"event_type": event.Type, "count": count})
	if err != nil {
		return plugin.Output{}, err
	}
	return plugin.Output{Data: out}, nil
}

// relay forwards the event through a configured gateway kind and returns the
// integration's response. The gateway kind comes from installation config
// ("gateway_kind", default "webhook").
func relay(ctx context.Context, event plugin.Event, pc *plugin.Context) (plugin.Output, error) {
	kind := pc.ConfigString("gateway_kind", "webhook")
	handle, ok := pc.Gateways.ByType(kind)
	if !ok {
		return plugin.Output{}, fmt.Errorf("no %q gateway configured for this installation", kind)
	}

	var payload map[string]any
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return plugin.Output{}, fmt.Errorf("event data is not an object: %w", err)
		}
	}

	resp, err := pc.Gateways.Execute(ctx, handle.ID, "send", map[string]any{
		"event_type": event.Type,
		"payload":    payload,
	})
	if err != nil {
		return plugin.Output{}, fmt.Errorf("relay via %s: %w", kind, err)
	}

	out, err := json.Marshal(map[string]any{"gateway": handle.Name, "response": resp})
	if err != nil {
		return plugin.Output{}, err
	}
	return plugin.Output{Data: out, APICalls: 1}, nil
}

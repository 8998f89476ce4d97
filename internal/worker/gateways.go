package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/protocol"
)

// Gateways is the worker-side facade over the tenant's configured
// integrations. Lookups never leave the worker; Execute is the only round
// trip, so the real integration call always runs in the trusted supervisor
// process.
type Gateways struct {
	ch          *channel.Channel
	handles     []protocol.GatewayHandle
	callTimeout time.Duration
}

// NewGateways returns a gateway proxy over ch for the given handle list.
func NewGateways(ch *channel.Channel, handles []protocol.GatewayHandle) *Gateways {
	return &Gateways{ch: ch, handles: handles, callTimeout: protocol.CallTimeout}
}

// List returns a copy of the handle list in input order.
func (g *Gateways) List() []protocol.GatewayHandle {
	out := make([]protocol.GatewayHandle, len(g.handles))
	copy(out, g.handles)
	return out
}

// ByID returns the handle with the given id.
func (g *Gateways) ByID(id string) (protocol.GatewayHandle, bool) {
	for _, h := range g.handles {
		if h.ID == id {
			return h, true
		}
	}
	return protocol.GatewayHandle{}, false
}

// ByType returns the first handle of the given kind, preserving input order.
func (g *Gateways) ByType(kind string) (protocol.GatewayHandle, bool) {
	for _, h := range g.handles {
		if h.Kind == kind {
			return h, true
		}
	}
	return protocol.GatewayHandle{}, false
}

// Execute asks the supervisor to perform action on the gateway and returns
// the integration's response.
func (g *Gateways) Execute(ctx context.Context, gatewayID, action string, params map[string]any) (json.RawMessage, error) {
	return g.ch.Request(ctx, protocol.KindGatewayExecute, protocol.GatewayExecuteParams{
		GatewayID: gatewayID,
		Action:    action,
		Params:    params,
	}, g.callTimeout)
}

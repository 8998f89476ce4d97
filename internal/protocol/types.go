package protocol

import (
	"encoding/json"
	"time"
)

// CallTimeout is the fixed budget for one proxy round trip. It is deliberately
// distinct from the overall execution timeout the supervisor enforces.
const CallTimeout = 10 * time.Second

// Version is the envelope protocol version spoken on the wire.
const Version = 1

// Kind identifies the side-effecting operation an Envelope requests.
type Kind string

const (
	KindStorageGet     Kind = "storage.get"
	KindStorageSet     Kind = "storage.set"
	KindStorageDelete  Kind = "storage.delete"
	KindGatewayExecute Kind = "gateway.execute"
)

// Envelope is one correlated request sent from a worker to its supervisor.
// IDs are assigned by a counter scoped to a single channel instance, so they
// are unique per supervisor↔worker pair but not globally.
type Envelope struct {
	ID      uint64          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply carries the outcome for the Envelope with the same ID. Every envelope
// receives at most one reply; a reply for an unknown ID is dropped silently.
type Reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StorageGetParams is the payload for KindStorageGet.
type StorageGetParams struct {
	Key string `json:"key"`
}

// StorageGetResult distinguishes "absent" from "stored null".
type StorageGetResult struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StorageSetParams is the payload for KindStorageSet. TTLSeconds of zero means
// the value does not expire.
type StorageSetParams struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// StorageDeleteParams is the payload for KindStorageDelete.
type StorageDeleteParams struct {
	Key string `json:"key"`
}

// GatewayExecuteParams is the payload for KindGatewayExecute. The actual
// integration call happens on the supervisor side; the worker never holds
// gateway credentials.
type GatewayExecuteParams struct {
	GatewayID string         `json:"gateway_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// GatewayHandle is an opaque reference to a tenant-configured integration.
// Handles are resolved and authorized by the caller before execution starts;
// the sandbox only ever sees this list.
type GatewayHandle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ExecutionContext is the immutable identity and configuration snapshot a
// plugin runs under.
type ExecutionContext struct {
	TenantID       string          `json:"tenant_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	InstallationID string          `json:"installation_id"`
	Config         map[string]any  `json:"config,omitempty"`
	Gateways       []GatewayHandle `json:"gateways,omitempty"`
}

// WorkerInput is the one-shot payload handed to a worker at spawn time. It is
// never mutated after handoff.
type WorkerInput struct {
	Protocol    int              `json:"protocol"`
	ExecutionID string           `json:"execution_id"`
	PluginRef   string           `json:"plugin_ref"`
	EventType   string           `json:"event_type"`
	EventData   json.RawMessage  `json:"event_data,omitempty"`
	Context     ExecutionContext `json:"context"`
}

// Outcome status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Outcome is the terminal success/failure of one plugin invocation.
type Outcome struct {
	Status     string          `json:"status"` // ok | error
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
	APICalls   int64           `json:"api_calls,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// Failure builds an error outcome with a human-readable message.
func Failure(msg string) Outcome {
	return Outcome{Status: StatusError, Error: msg}
}

// WorkerResult is produced exactly once per execution and is terminal for the
// worker. DurationMS spans input receipt to outcome finalization, channel
// round trips included.
type WorkerResult struct {
	Outcome    Outcome `json:"outcome"`
	DurationMS int64   `json:"duration_ms"`
}

// Frame is the wire union for the stream transport. Exactly one field is set
// per frame.
type Frame struct {
	Input    *WorkerInput  `json:"input,omitempty"`
	Envelope *Envelope     `json:"envelope,omitempty"`
	Reply    *Reply        `json:"reply,omitempty"`
	Result   *WorkerResult `json:"result,omitempty"`
}

package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
)

// fakeStorage is an in-memory plugin.Storage for handler tests.
type fakeStorage struct {
	values map[string]json.RawMessage
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{values: make(map[string]json.RawMessage)}
}

func (f *fakeStorage) Get(_ context.Context, key string) (json.RawMessage, error) {
	return f.values[key], nil
}

func (f *fakeStorage) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.values[key] = raw
	return nil
}

func (f *fakeStorage) Delete(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func (f *fakeStorage) Has(_ context.Context, key string) (bool, error) {
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeStorage) Increment(ctx context.Context, key string, by int64) (int64, error) {
	var cur int64
	if raw, ok := f.values[key]; ok {
		if err := json.Unmarshal(raw, &cur); err != nil {
			return 0, err
		}
	}
	next := cur + by
	return next, f.Set(ctx, key, next, 0)
}

// fakeGateways implements plugin.Gateways with a scripted Execute.
type fakeGateways struct {
	handles []protocol.GatewayHandle
	execute func(gatewayID, action string, params map[string]any) (json.RawMessage, error)
}

func (f *fakeGateways) List() []protocol.GatewayHandle { return f.handles }

func (f *fakeGateways) ByID(id string) (protocol.GatewayHandle, bool) {
	for _, h := range f.handles {
		if h.ID == id {
			return h, true
		}
	}
	return protocol.GatewayHandle{}, false
}

func (f *fakeGateways) ByType(kind string) (protocol.GatewayHandle, bool) {
	for _, h := range f.handles {
		if h.Kind == kind {
			return h, true
		}
	}
	return protocol.GatewayHandle{}, false
}

func (f *fakeGateways) Execute(_ context.Context, gatewayID, action string, params map[string]any) (json.RawMessage, error) {
	return f.execute(gatewayID, action, params)
}

func TestRegisterAddsAllBuiltins(t *testing.T) {
	reg := plugin.NewRegistry()
	Register(reg)
	assert.Equal(t, []string{"counter", "echo", "relay"}, reg.Names())
}

func TestEcho(t *testing.T) {
	out, err := echo(context.Background(), plugin.Event{
		Type: "chat.message",
		Data: json.RawMessage(`{"text":"hi"}`),
	}, &plugin.Context{})
	require.NoError(t, err)

	var got struct {
		EventType string          `json:"event_type"`
		EventData json.RawMessage `json:"event_data"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, "chat.message", got.EventType)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.EventData))
}

func TestCounter(t *testing.T) {
	st := newFakeStorage()
	pc := &plugin.Context{Storage: st}
	event := plugin.Event{Type: "chat.message"}

	out, err := counter(context.Background(), event, pc)
	require.NoError(t, err)

	var got struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, int64(1), got.Count)

	out, err = counter(context.Background(), event, pc)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, int64(2), got.Count)

	assert.NotNil(t, st.values["last_event_at"])
}

func TestRelay(t *testing.T) {
	var gotID, gotAction string
	gw := &fakeGateways{
		handles: []protocol.GatewayHandle{{ID: "gw-1", Name: "main", Kind: "webhook"}},
		execute: func(gatewayID, action string, params map[string]any) (json.RawMessage, error) {
			gotID, gotAction = gatewayID, action
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	pc := &plugin.Context{Gateways: gw}

	out, err := relay(context.Background(), plugin.Event{
		Type: "chat.message",
		Data: json.RawMessage(`{"text":"hi"}`),
	}, pc)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", gotID)
	assert.Equal(t, "send", gotAction)
	assert.Equal(t, int64(1), out.APICalls)
}

func TestRelayHonorsConfiguredKind(t *testing.T) {
	gw := &fakeGateways{
		handles: []protocol.GatewayHandle{
			{ID: "gw-1", Name: "hook", Kind: "webhook"},
			{ID: "gw-2", Name: "mailer", Kind: "smtp"},
		},
		execute: func(gatewayID, action string, params map[string]any) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
	pc := &plugin.Context{
		Config:   map[string]any{"gateway_kind": "smtp"},
		Gateways: gw,
	}

	out, err := relay(context.Background(), plugin.Event{Type: "t"}, pc)
	require.NoError(t, err)

	var got struct {
		Gateway string `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, "mailer", got.Gateway)
}

func TestRelayNoMatchingGateway(t *testing.T) {
	pc := &plugin.Context{Gateways: &fakeGateways{}}

	_, err := relay(context.Background(), plugin.Event{Type: "t"}, pc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no \"webhook\" gateway")
}

func TestRelayPropagatesGatewayError(t *testing.T) {
	gw := &fakeGateways{
		handles: []protocol.GatewayHandle{{ID: "gw-1", Kind: "webhook"}},
		execute: func(gatewayID, action string, params map[string]any) (json.RawMessage, error) {
			return nil, errors.New("upstream down")
		},
	}
	pc := &plugin.Context{Gateways: gw}

	_, err := relay(context.Background(), plugin.Event{Type: "t"}, pc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

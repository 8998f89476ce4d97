// Package worker implements the isolated execution side of the sandbox: the
// runtime that drives one plugin invocation to a single terminal result, and
// the proxies that turn side effects into channel envelopes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/log"
	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
)

// Phase is the worker's lifecycle position. Terminal phases are reached
// exactly once; TimedOut is imposed by the supervisor, never set here.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Runtime executes plugins. One Runtime may serve many Run calls, but each
// Run owns its channel and its result; workers are never reused across
// executions.
type Runtime struct {
	loader      plugin.Loader
	logger      *slog.Logger
	callTimeout time.Duration
}

// New returns a runtime that resolves plugin refs through loader.
func New(loader plugin.Loader) *Runtime {
	return &Runtime{
		loader:      loader,
		logger:      log.WithComponent("worker"),
		callTimeout: protocol.CallTimeout,
	}
}

// SetCallTimeout overrides the per-call proxy budget. Zero or negative
// restores the default.
func (r *Runtime) SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = protocol.CallTimeout
	}
	r.callTimeout = d
}

// Run drives one execution over tr: load the plugin, build its context,
// invoke the handler, and send exactly one terminal WorkerResult frame.
// It returns after the result is sent or the transport is dead.
func (r *Runtime) Run(ctx context.Context, input *protocol.WorkerInput, tr channel.Transport) {
	start := time.Now()
	logger := r.logger.With("execution_id", input.ExecutionID, "plugin", input.PluginRef)

	ch := channel.New(tr, logger)
	ch.Start()
	defer ch.Close()

	outcome := r.invoke(ctx, input, ch, logger)

	result := &protocol.WorkerResult{
		Outcome:    outcome,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err := ch.Send(&protocol.Frame{Result: result}); err != nil {
		// Supervisor already tore the channel down; nothing left to report to.
		logger.Warn("could not deliver terminal result", "error", err)
	}
}

func (r *Runtime) invoke(ctx context.Context, input *protocol.WorkerInput, ch *channel.Channel, logger *slog.Logger) (outcome protocol.Outcome) {
	phase := PhaseLoading
	logger.Debug("worker phase", "phase", phase)

	handler, err := r.loader.Load(input.PluginRef)
	if err != nil {
		logger.Warn("plugin load failed", "error", err)
		return protocol.Failure(fmt.Sprintf("load plugin: %v", err))
	}

	st := NewStorage(ch)
	st.callTimeout = r.callTimeout
	gw := NewGateways(ch, input.Context.Gateways)
	gw.callTimeout = r.callTimeout

	pc := &plugin.Context{
		TenantID:       input.Context.TenantID,
		OrganizationID: input.Context.OrganizationID,
		InstallationID: input.Context.InstallationID,
		Config:         input.Context.Config,
		Storage:        st,
		Gateways:       gw,
	}
	event := plugin.Event{Type: input.EventType, Data: input.EventData}

	phase = PhaseRunning
	logger.Debug("worker phase", "phase", phase)

	// A panicking plugin must become a structured failure, not a dead host.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("plugin panicked", "panic", rec, "stack", string(debug.Stack()))
			outcome = protocol.Failure(fmt.Sprintf("plugin panicked: %v", rec))
		}
	}()

	out, err := handler.OnEvent(ctx, event, pc)
	if err != nil {
		logger.Debug("worker phase", "phase", PhaseFailed)
		return protocol.Failure(err.Error())
	}

	logger.Debug("worker phase", "phase", PhaseCompleted)
	return protocol.Outcome{
		Status:     protocol.StatusOK,
		Output:     out.Data,
		TokensUsed: out.TokensUsed,
		APICalls:   out.APICalls,
	}
}

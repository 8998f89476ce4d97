// Package supervisor owns worker lifecycles from the host side: it spawns one
// isolated worker per execution, services every side-effect envelope against
// the real backing systems, enforces the overall timeout, and converts every
// failure mode into a structured result.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/events"
	"github.com/plexhub/crucible/internal/gateway"
	"github.com/plexhub/crucible/internal/log"
	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
	"github.com/plexhub/crucible/internal/storage"
)

// DefaultExecutionTimeout bounds an execution when the caller does not.
const DefaultExecutionTimeout = 60 * time.Second

// Config wires a Supervisor to its collaborators.
type Config struct {
	KV       *storage.KV
	Gateways gateway.Executor
	Loader   plugin.Loader
	// External enables the subprocess backend for "external:" refs. Nil
	// means external refs fail through the loader with ErrUnsupported.
	External *plugin.ExternalSet
	// Hub, when set, receives execution lifecycle events.
	Hub *events.Hub
	// DefaultTimeout replaces DefaultExecutionTimeout when positive.
	DefaultTimeout time.Duration
	// CallTimeout replaces the fixed per-call proxy budget when positive.
	CallTimeout time.Duration
}

// Supervisor runs plugin executions. Safe for concurrent use; each Execute
// call gets its own worker and channel, and the only shared state is the
// backing store and gateway executor, which are concurrency-safe themselves.
type Supervisor struct {
	kv             *storage.KV
	gateways       gateway.Executor
	builtin        Spawner
	external       Spawner
	hub            *events.Hub
	defaultTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger
}

// New builds a supervisor from cfg.
func New(cfg Config) *Supervisor {
	gs := NewGoSpawner(cfg.Loader)
	s := &Supervisor{
		kv:             cfg.KV,
		gateways:       cfg.Gateways,
		builtin:        gs,
		hub:            cfg.Hub,
		defaultTimeout: cfg.DefaultTimeout,
		callTimeout:    cfg.CallTimeout,
		logger:         log.WithComponent("supervisor"),
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = DefaultExecutionTimeout
	}
	if s.callTimeout <= 0 {
		s.callTimeout = protocol.CallTimeout
	} else {
		gs.SetCallTimeout(s.callTimeout)
	}
	if cfg.External != nil {
		s.external = NewProcSpawner(cfg.External)
	}
	return s
}

// Execute runs one plugin invocation to its terminal result. Exactly one
// WorkerResult comes back per call, no matter how the worker dies.
func (s *Supervisor) Execute(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult {
	start := time.Now()
	if overallTimeout <= 0 {
		overallTimeout = s.defaultTimeout
	}
	input.Protocol = protocol.Version
	if input.ExecutionID == "" {
		input.ExecutionID = uuid.NewString()
	}

	logger := log.WithExecution(input.ExecutionID, input.PluginRef)
	logger.Info("execution started", "event_type", input.EventType, "timeout", overallTimeout)
	s.publish("execution.started", map[string]any{
		"execution_id": input.ExecutionID,
		"plugin":       input.PluginRef,
		"event_type":   input.EventType,
	})

	result := s.run(ctx, &input, overallTimeout, start, logger)

	logger.Info("execution finished", "status", result.Outcome.Status, "duration_ms", result.DurationMS)
	s.publish("execution.completed", map[string]any{
		"execution_id": input.ExecutionID,
		"plugin":       input.PluginRef,
		"status":       result.Outcome.Status,
		"error":        result.Outcome.Error,
		"duration_ms":  result.DurationMS,
	})
	return result
}

func (s *Supervisor) run(ctx context.Context, input *protocol.WorkerInput, overallTimeout time.Duration, start time.Time, logger *slog.Logger) *protocol.WorkerResult {
	proc, err := s.spawnerFor(input.PluginRef).Spawn(ctx, input)
	if err != nil {
		logger.Warn("worker spawn failed", "error", err)
		return failureSince(fmt.Sprintf("spawn worker: %v", err), start)
	}
	defer proc.Kill()

	tr := proc.Transport()

	// Pump frames so the select below can race them against the deadline.
	loopDone := make(chan struct{})
	defer close(loopDone)
	frames := make(chan *protocol.Frame)
	recvFail := make(chan struct{})
	go func() {
		for {
			f, err := tr.Recv()
			if err != nil {
				close(recvFail)
				return
			}
			select {
			case frames <- f:
			case <-loopDone:
				return
			}
		}
	}()

	timer := time.NewTimer(overallTimeout)
	defer timer.Stop()

	for {
		select {
		case f := <-frames:
			switch {
			case f.Envelope != nil:
				s.serve(ctx, input, f.Envelope, tr, logger)
			case f.Result != nil:
				return f.Result
			default:
				logger.Debug("ignoring unexpected frame from worker")
			}

		case <-recvFail:
			// Transport died without a terminal frame: the execution unit
			// crashed. Synthesize the failure the caller is owed.
			if p, ok := proc.(interface{ Stderr() string }); ok {
				logger.Error("worker crashed", "stderr", p.Stderr())
			} else {
				logger.Error("worker crashed")
			}
			return failureSince("worker crashed", start)

		case <-timer.C:
			logger.Warn("execution timed out", "timeout", overallTimeout)
			return &protocol.WorkerResult{
				Outcome:    protocol.Failure("execution timed out"),
				DurationMS: overallTimeout.Milliseconds(),
			}

		case <-ctx.Done():
			return failureSince(fmt.Sprintf("execution canceled: %v", ctx.Err()), start)
		}
	}
}

func (s *Supervisor) spawnerFor(ref string) Spawner {
	if scheme, _, err := plugin.ParseRef(ref); err == nil && scheme == plugin.SchemeExternal && s.external != nil {
		return s.external
	}
	// Builtin refs, malformed refs, and external refs with no subprocess
	// backend all go through the in-process worker, whose loader reports the
	// precise error as a structured failure.
	return s.builtin
}

// serve performs the real operation behind one envelope. Storage requests are
// serviced inline, serially, so mutations on the same key are never reordered
// against the worker's send order. Gateway calls may be slow upstream and run
// concurrently; they touch no per-key state.
func (s *Supervisor) serve(ctx context.Context, input *protocol.WorkerInput, env *protocol.Envelope, tr channel.Transport, logger *slog.Logger) {
	switch env.Kind {
	case protocol.KindStorageGet, protocol.KindStorageSet, protocol.KindStorageDelete:
		s.sendReply(tr, s.serveStorage(ctx, input, env), logger)
	case protocol.KindGatewayExecute:
		go func() {
			s.sendReply(tr, s.serveGateway(ctx, input, env), logger)
		}()
	default:
		s.sendReply(tr, &protocol.Reply{ID: env.ID, Error: fmt.Sprintf("unsupported envelope kind %q", env.Kind)}, logger)
	}
}

func (s *Supervisor) sendReply(tr channel.Transport, reply *protocol.Reply, logger *slog.Logger) {
	if err := tr.Send(&protocol.Frame{Reply: reply}); err != nil {
		// Worker is gone; its pending calls were already failed by teardown.
		logger.Debug("could not deliver reply", "id", reply.ID, "error", err)
	}
}

func (s *Supervisor) serveStorage(ctx context.Context, input *protocol.WorkerInput, env *protocol.Envelope) *protocol.Reply {
	reply := &protocol.Reply{ID: env.ID}
	installation := input.Context.InstallationID

	switch env.Kind {
	case protocol.KindStorageGet:
		var p protocol.StorageGetParams
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			reply.Error = fmt.Sprintf("bad storage.get payload: %v", err)
			return reply
		}
		value, found, err := s.kv.Get(ctx, installation, p.Key)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		raw, err := json.Marshal(protocol.StorageGetResult{Found: found, Value: value})
		if err != nil {
			reply.Error = fmt.Sprintf("encode storage.get result: %v", err)
			return reply
		}
		reply.Result = raw

	case protocol.KindStorageSet:
		var p protocol.StorageSetParams
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			reply.Error = fmt.Sprintf("bad storage.set payload: %v", err)
			return reply
		}
		ttl := time.Duration(p.TTLSeconds) * time.Second
		if err := s.kv.Set(ctx, installation, p.Key, p.Value, ttl); err != nil {
			reply.Error = err.Error()
		}

	case protocol.KindStorageDelete:
		var p protocol.StorageDeleteParams
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			reply.Error = fmt.Sprintf("bad storage.delete payload: %v", err)
			return reply
		}
		if err := s.kv.Delete(ctx, installation, p.Key); err != nil {
			reply.Error = err.Error()
		}
	}
	return reply
}

func (s *Supervisor) serveGateway(ctx context.Context, input *protocol.WorkerInput, env *protocol.Envelope) *protocol.Reply {
	reply := &protocol.Reply{ID: env.ID}

	var p protocol.GatewayExecuteParams
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		reply.Error = fmt.Sprintf("bad gateway.execute payload: %v", err)
		return reply
	}

	// Workers may only reach handles the caller granted for this execution.
	var handle protocol.GatewayHandle
	found := false
	for _, h := range input.Context.Gateways {
		if h.ID == p.GatewayID {
			handle = h
			found = true
			break
		}
	}
	if !found {
		reply.Error = fmt.Sprintf("gateway %q is not available to this execution", p.GatewayID)
		return reply
	}

	// Bound the upstream call, but with headroom over the worker's own call
	// timeout so the worker always observes its TimeoutError first rather
	// than a remote cancellation racing it.
	opCtx, cancel := context.WithTimeout(ctx, 2*s.callTimeout)
	defer cancel()
	result, err := s.gateways.Execute(opCtx, handle, p.Action, p.Params)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Result = result
	return reply
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.hub != nil {
		s.hub.Publish(eventType, data)
	}
}

func failureSince(msg string, start time.Time) *protocol.WorkerResult {
	return &protocol.WorkerResult{
		Outcome:    protocol.Failure(msg),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

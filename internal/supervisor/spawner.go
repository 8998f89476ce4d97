package supervisor

import (
	"context"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
	"github.com/plexhub/crucible/internal/worker"
)

// Proc is one live worker, spawned for exactly one execution.
type Proc interface {
	// Transport is the supervisor's end of the worker's channel.
	Transport() channel.Transport
	// Kill tears the worker down without cooperation. Idempotent, must not
	// block: a runaway plugin cannot be allowed to stall cancellation.
	Kill()
}

// Spawner starts isolated workers. Implementations decide what "isolated"
// means: a goroutine over an in-memory pipe, or a subprocess over stdio.
type Spawner interface {
	Spawn(ctx context.Context, input *protocol.WorkerInput) (Proc, error)
}

// GoSpawner runs the worker runtime in a goroutine per execution. Kill closes
// the shared transport, which instantly fails every in-flight and future
// proxy call; a handler stuck in pure compute is abandoned, not reclaimed,
// and its context is canceled for the ones that do cooperate.
type GoSpawner struct {
	runtime *worker.Runtime
}

// NewGoSpawner builds a spawner around a runtime using loader.
func NewGoSpawner(loader plugin.Loader) *GoSpawner {
	return &GoSpawner{runtime: worker.New(loader)}
}

// SetCallTimeout adjusts the per-call proxy budget on spawned workers.
func (s *GoSpawner) SetCallTimeout(d time.Duration) {
	s.runtime.SetCallTimeout(d)
}

// Spawn implements Spawner.
func (s *GoSpawner) Spawn(ctx context.Context, input *protocol.WorkerInput) (Proc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	supSide, wkSide := channel.Pipe()

	go s.runtime.Run(runCtx, input, wkSide)

	return &goProc{tr: supSide, cancel: cancel}, nil
}

type goProc struct {
	tr     channel.Transport
	cancel context.CancelFunc
}

func (p *goProc) Transport() channel.Transport { return p.tr }

func (p *goProc) Kill() {
	p.cancel()
	_ = p.tr.Close()
}

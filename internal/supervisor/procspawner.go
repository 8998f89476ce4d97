package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/log"
	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a plugin process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is how long a plugin gets between SIGTERM and
	// SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ProcSpawner runs external plugins as one subprocess per execution, speaking
// the newline-delimited frame protocol on stdin/stdout. This is the isolation
// backend for code that cannot be linked into the host: the process boundary
// makes Kill a real kill.
type ProcSpawner struct {
	plugins *plugin.ExternalSet
	logger  *slog.Logger
}

// NewProcSpawner builds a spawner over a discovered plugin set.
func NewProcSpawner(set *plugin.ExternalSet) *ProcSpawner {
	return &ProcSpawner{
		plugins: set,
		logger:  log.WithComponent("procspawner"),
	}
}

// Spawn implements Spawner. The worker input is shipped as the first frame on
// the child's stdin.
func (s *ProcSpawner) Spawn(ctx context.Context, input *protocol.WorkerInput) (Proc, error) {
	scheme, name, err := plugin.ParseRef(input.PluginRef)
	if err != nil {
		return nil, err
	}
	if scheme != plugin.SchemeExternal {
		return nil, fmt.Errorf("proc spawner cannot run %q refs", scheme)
	}
	ext, ok := s.plugins.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrNotFound, input.PluginRef)
	}
	if !ext.HandlesEvent(input.EventType) {
		return nil, fmt.Errorf("plugin %q does not handle event type %q", name, input.EventType)
	}

	cmd := exec.Command(ext.Entrypoint)
	cmd.Dir = ext.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	logger := s.logger.With("plugin", name, "execution_id", input.ExecutionID)
	logger.Debug("spawning plugin process", "entrypoint", ext.Entrypoint)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin process: %w", err)
	}

	tr := channel.NewStream(stdout, stdin, stdin, stdout)

	waited := make(chan struct{})
	go func() {
		defer close(waited)
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				logger.Debug("plugin process exited", "exit_code", exitErr.ExitCode())
			} else {
				logger.Warn("wait for plugin process", "error", err)
			}
		}
	}()

	if err := tr.Send(&protocol.Frame{Input: input}); err != nil {
		_ = cmd.Process.Kill()
		<-waited
		return nil, fmt.Errorf("ship worker input: %w", err)
	}

	return &procProc{
		cmd:    cmd,
		tr:     tr,
		stderr: stderr,
		waited: waited,
		logger: logger,
	}, nil
}

type procProc struct {
	cmd    *exec.Cmd
	tr     channel.Transport
	stderr *boundedBuffer
	waited chan struct{}
	logger *slog.Logger

	killOnce sync.Once
}

func (p *procProc) Transport() channel.Transport { return p.tr }

// Kill escalates SIGTERM → SIGKILL in the background so the supervisor's
// return path never waits on a misbehaving process.
func (p *procProc) Kill() {
	p.killOnce.Do(func() {
		go func() {
			select {
			case <-p.waited:
				// Already exited on its own.
				_ = p.tr.Close()
				return
			default:
			}

			if p.cmd.Process != nil {
				if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
					p.logger.Debug("SIGTERM failed", "error", err)
				}
			}

			grace := time.NewTimer(terminationGracePeriod)
			defer grace.Stop()
			select {
			case <-p.waited:
				p.logger.Debug("plugin exited after SIGTERM")
			case <-grace.C:
				p.logger.Warn("plugin ignored SIGTERM, sending SIGKILL")
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
				<-p.waited
			}
			_ = p.tr.Close()
		}()
	})
}

// Stderr returns what the plugin wrote to stderr, truncated.
func (p *procProc) Stderr() string {
	return p.stderr.String()
}

// boundedBuffer keeps the first limit bytes written and drops the rest.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

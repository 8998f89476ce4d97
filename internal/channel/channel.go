// Package channel implements the correlated request/reply layer between a
// supervisor and one worker. Every channel owns its own id counter and
// pending-call table; concurrent executions never share mutable state.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plexhub/crucible/internal/protocol"
)

// TimeoutError reports that a single proxy call exceeded its budget. It is
// local to one call: the plugin handler sees it as a normal error return and
// the worker stays alive.
type TimeoutError struct {
	Kind    protocol.Kind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s call timed out after %s", e.Kind, e.Timeout)
}

// RemoteError reports that the supervisor performed the operation and it
// failed on the trusted side. Recoverable by the handler.
type RemoteError struct {
	Kind protocol.Kind
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Msg)
}

type pendingCall struct {
	id    uint64
	reply chan *protocol.Reply // buffered, receives at most one reply
}

// Channel is the worker-side end of the envelope protocol. FrameHandler, if
// set before Start, receives every non-reply frame (the initial input on
// subprocess workers).
type Channel struct {
	tr     Transport
	nextID atomic.Uint64
	logger *slog.Logger

	// FrameHandler is invoked from the receive loop for frames that are not
	// replies. Must be set before Start.
	FrameHandler func(*protocol.Frame)

	mu      sync.Mutex
	pending map[uint64]*pendingCall

	done     chan struct{}
	doneOnce sync.Once
}

// New wraps a transport in a correlation layer.
func New(tr Transport, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		tr:      tr,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
}

// Start runs the receive loop until the transport dies. When it exits, every
// outstanding call is failed immediately rather than waiting out its own
// timeout.
func (c *Channel) Start() {
	go func() {
		defer c.shutdown()
		for {
			f, err := c.tr.Recv()
			if err != nil {
				return
			}
			if f.Reply != nil {
				c.dispatch(f.Reply)
				continue
			}
			if c.FrameHandler != nil {
				c.FrameHandler(f)
				continue
			}
			c.logger.Debug("dropping unexpected frame")
		}
	}()
}

// Request sends one envelope and blocks until the correlated reply, the
// per-call timeout, ctx cancellation, or channel teardown, whichever comes
// first.
func (c *Channel) Request(ctx context.Context, kind protocol.Kind, payload any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	call := &pendingCall{
		id:    c.nextID.Add(1),
		reply: make(chan *protocol.Reply, 1),
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[call.id] = call
	c.mu.Unlock()

	frame := &protocol.Frame{Envelope: &protocol.Envelope{ID: call.id, Kind: kind, Payload: raw}}
	if err := c.tr.Send(frame); err != nil {
		c.remove(call.id)
		return nil, fmt.Errorf("send %s envelope: %w", kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-call.reply:
		if reply.Error != "" {
			return nil, &RemoteError{Kind: kind, Msg: reply.Error}
		}
		return reply.Result, nil
	case <-timer.C:
		c.remove(call.id)
		return nil, &TimeoutError{Kind: kind, Timeout: timeout}
	case <-ctx.Done():
		c.remove(call.id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Send passes a frame through unchanged, for messages that expect no reply
// (the terminal result).
func (c *Channel) Send(f *protocol.Frame) error {
	return c.tr.Send(f)
}

// Close tears the channel down and fails all pending calls.
func (c *Channel) Close() error {
	err := c.tr.Close()
	c.shutdown()
	return err
}

func (c *Channel) dispatch(reply *protocol.Reply) {
	c.mu.Lock()
	call, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Already timed out, or a duplicate. Dropping is mandatory, raising
		// here would let a slow supervisor reply kill an unrelated call.
		c.logger.Debug("dropping reply with no pending call", "id", reply.ID)
		return
	}
	call.reply <- reply
}

func (c *Channel) remove(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.pending = make(map[uint64]*pendingCall)
		c.mu.Unlock()
	})
}

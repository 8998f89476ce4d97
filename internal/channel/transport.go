package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/plexhub/crucible/internal/protocol"
)

// ErrClosed is returned by transport operations after either side has torn
// the connection down.
var ErrClosed = errors.New("channel closed")

// Transport moves frames between a supervisor and exactly one worker, in send
// order, in both directions. Send is safe for concurrent use; Recv is meant
// for a single consumer.
type Transport interface {
	Send(f *protocol.Frame) error
	Recv() (*protocol.Frame, error)
	Close() error
}

// Pipe returns two connected in-memory transports, one per side of a
// supervisor↔worker pair. Closing either side fails all subsequent operations
// on both, which is what lets the supervisor abandon a runaway worker
// goroutine without cooperation.
func Pipe() (Transport, Transport) {
	ab := make(chan *protocol.Frame, 16)
	ba := make(chan *protocol.Frame, 16)
	closed := make(chan struct{})
	var closeOnce sync.Once
	closeFn := func() { closeOnce.Do(func() { close(closed) }) }

	a := &memTransport{out: ab, in: ba, closed: closed, close: closeFn}
	b := &memTransport{out: ba, in: ab, closed: closed, close: closeFn}
	return a, b
}

type memTransport struct {
	out    chan *protocol.Frame
	in     chan *protocol.Frame
	closed chan struct{}
	close  func()
}

func (t *memTransport) Send(f *protocol.Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

func (t *memTransport) Recv() (*protocol.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		// Frames already queued before teardown are still delivered.
		select {
		case f := <-t.in:
			return f, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (t *memTransport) Close() error {
	t.close()
	return nil
}

// NewStream wraps a byte stream pair (typically a subprocess's stdin/stdout)
// in the newline-delimited JSON frame protocol. Any closers are closed along
// with the transport.
func NewStream(r io.Reader, w io.Writer, closers ...io.Closer) Transport {
	return &streamTransport{
		w:       w,
		dec:     protocol.NewFrameDecoder(r),
		closers: closers,
		closed:  make(chan struct{}),
	}
}

type streamTransport struct {
	wmu     sync.Mutex
	w       io.Writer
	dec     *protocol.FrameDecoder
	closers []io.Closer

	once   sync.Once
	closed chan struct{}
}

func (t *streamTransport) Send(f *protocol.Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := protocol.EncodeFrame(t.w, f); err != nil {
		return fmt.Errorf("stream send: %w", err)
	}
	return nil
}

func (t *streamTransport) Recv() (*protocol.Frame, error) {
	f, err := t.dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		select {
		case <-t.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return f, nil
}

func (t *streamTransport) Close() error {
	var errs []error
	t.once.Do(func() {
		close(t.closed)
		for _, c := range t.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

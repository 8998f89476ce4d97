// kvecho is an example external plugin. It speaks the frame protocol on
// stdin/stdout: it remembers the last event it saw in plugin storage and
// echoes both the event and the previous one back as its output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/plexhub/crucible/internal/channel"
	"github.com/plexhub/crucible/internal/protocol"
	"github.com/plexhub/crucible/internal/worker"
)

func main() {
	start := time.Now()

	tr := channel.NewStream(os.Stdin, os.Stdout)
	ch := channel.New(tr, nil)

	inputCh := make(chan *protocol.WorkerInput, 1)
	ch.FrameHandler = func(f *protocol.Frame) {
		if f.Input != nil {
			select {
			case inputCh <- f.Input:
			default:
			}
		}
	}
	ch.Start()

	var input *protocol.WorkerInput
	select {
	case input = <-inputCh:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "no worker input received")
		os.Exit(1)
	}

	outcome := run(context.Background(), input, ch)
	_ = ch.Send(&protocol.Frame{Result: &protocol.WorkerResult{
		Outcome:    outcome,
		DurationMS: time.Since(start).Milliseconds(),
	}})
}

func run(ctx context.Context, input *protocol.WorkerInput, ch *channel.Channel) protocol.Outcome {
	st := worker.NewStorage(ch)

	previous, err := st.Get(ctx, "last_event")
	if err != nil {
		return protocol.Failure(fmt.Sprintf("read last event: %v", err))
	}
	if err := st.Set(ctx, "last_event", json.RawMessage(input.EventData), 0); err != nil {
		return protocol.Failure(fmt.Sprintf("store event: %v", err))
	}

	out, err := json.Marshal(map[string]any{
		"event_type": input.EventType,
		"event":      input.EventData,
		"previous":   previous,
	})
	if err != nil {
		return protocol.Failure(err.Error())
	}
	return protocol.Outcome{Status: protocol.StatusOK, Output: out}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EncodeFrame serializes a frame as one newline-terminated JSON document.
// Callers that share a writer must serialize access themselves.
func EncodeFrame(w io.Writer, f *Frame) error {
	if err := validateFrame(f); err != nil {
		return err
	}
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// FrameDecoder reads newline-delimited frames from a stream.
type FrameDecoder struct {
	dec *json.Decoder
}

// NewFrameDecoder returns a strict decoder over r. Unknown fields are
// rejected so protocol drift fails loudly instead of silently.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return &FrameDecoder{dec: dec}
}

// Next reads and validates the next frame. Returns io.EOF when the stream
// ends cleanly.
func (d *FrameDecoder) Next() (*Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := validateFrame(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func validateFrame(f *Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	n := 0
	if f.Input != nil {
		n++
	}
	if f.Envelope != nil {
		n++
	}
	if f.Reply != nil {
		n++
	}
	if f.Result != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("frame must carry exactly one message, got %d", n)
	}
	if f.Input != nil && f.Input.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", f.Input.Protocol)
	}
	if f.Envelope != nil && f.Envelope.Kind == "" {
		return fmt.Errorf("envelope missing required field: kind")
	}
	if f.Result != nil {
		st := f.Result.Outcome.Status
		if st != StatusOK && st != StatusError {
			return fmt.Errorf("invalid outcome status: %q (must be 'ok' or 'error')", st)
		}
		if st == StatusError && f.Result.Outcome.Error == "" {
			return fmt.Errorf("result has status=error but no error message")
		}
	}
	return nil
}

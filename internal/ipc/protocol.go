// Package ipc implements the local wire protocol between a connector
// process and the contextd daemon: length-prefixed JSON request and
// response frames over a Unix domain socket or a named pipe.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Batches are bounded upstream, so
// anything larger is a protocol violation, not a big payload.
const MaxFrameSize = 16 * 1024 * 1024

// Request is one routed call to the daemon.
type Request struct {
	ID     uint64         `json:"id"`
	Path   string         `json:"path"`
	Method string         `json:"method"` // "GET" or "POST"
	Params map[string]any `json:"params,omitempty"`
	Body   any            `json:"body,omitempty"`
}

// Response is the daemon's reply, correlated to a request by ID.
type Response struct {
	ID     uint64          `json:"id"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// WriteFrame writes one length-prefixed JSON value.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return writeRawFrame(w, payload)
}

// writeRawFrame writes an already-marshaled payload with its length
// prefix.
func writeRawFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON value into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return fmt.Errorf("invalid frame size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

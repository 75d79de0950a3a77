package ipc

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		ID:     7,
		Path:   "/api/events/ingest",
		Method: "POST",
		Body:   map[string]any{"connector_id": "clipboard"},
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame() failed: %v", err)
	}

	// The header must carry the exact payload length.
	header := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(header) != buf.Len()-4 {
		t.Fatalf("header length %d, payload length %d", header, buf.Len()-4)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame() failed: %v", err)
	}
	if got.ID != 7 || got.Path != req.Path || got.Method != "POST" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	var v map[string]any
	if err := ReadFrame(&buf, &v); err == nil || !strings.Contains(err.Error(), "invalid frame size") {
		t.Fatalf("ReadFrame() = %v, want invalid frame size error", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	var v map[string]any
	if err := ReadFrame(buf, &v); err == nil {
		t.Fatal("ReadFrame() accepted a zero-length frame")
	}
}

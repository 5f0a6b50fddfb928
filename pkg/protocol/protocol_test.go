package protocol

import (
	"bytes"
	goerrs "errors"
	"testing"

	"github.com/opentraffic/tracihub/pkg/errors"
	"github.com/opentraffic/tracihub/pkg/storage"
)

func TestCommandSizeEncoding(t *testing.T) {
	tests := []struct {
		size   int
		expect []byte
	}{
		{0, []byte{0x01}},
		{1, []byte{0x02}},
		{6, []byte{0x07}},
		{254, []byte{0xFF}},
		// 255 + size byte = 256, first size needing the wide form.
		{255, []byte{0x00, 0x00, 0x00, 0x01, 0x04}},
		{301, []byte{0x00, 0x00, 0x00, 0x01, 0x32}},
	}

	for _, tt := range tests {
		out := storage.New()
		WriteCommandSize(out, tt.size)
		if !bytes.Equal(out.Bytes(), tt.expect) {
			t.Errorf("WriteCommandSize(%d) = %x, want %x", tt.size, out.Bytes(), tt.expect)
		}

		got, err := ReadCommandSize(out)
		if err != nil || got != tt.size {
			t.Errorf("ReadCommandSize(WriteCommandSize(%d)) = %d, %v", tt.size, got, err)
		}
	}
}

func TestCommandSizeRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 127, 200, 254, 255, 256, 1000, 1 << 20} {
		out := storage.New()
		WriteCommandSize(out, size)

		wantWire := 1
		if size+1 >= 256 {
			wantWire = 5
		}
		if out.Size() != wantWire {
			t.Errorf("size %d: wire length = %d, want %d", size, out.Size(), wantWire)
		}

		got, err := ReadCommandSize(out)
		if err != nil || got != size {
			t.Errorf("size %d: round trip = %d, %v", size, got, err)
		}
	}
}

func TestReadCommandSizeShortRead(t *testing.T) {
	for _, raw := range [][]byte{{}, {0x00}, {0x00, 0x00, 0x01}} {
		if _, err := ReadCommandSize(storage.FromBytes(raw)); err == nil {
			t.Errorf("ReadCommandSize(%x) succeeded, want short read", raw)
		}
	}
}

func TestWriteStatusCmd(t *testing.T) {
	out := storage.New()
	WriteStatusCmd(out, CmdClose, RTypeOK, "Goodbye")

	want := []byte{0x0B, 0x7F, 0x00, 0x00, 0x00, 0x00, 0x07, 'G', 'o', 'o', 'd', 'b', 'y', 'e'}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("WriteStatusCmd = %x, want %x", out.Bytes(), want)
	}
}

func statusFrame(cmdCode byte, result byte, description string) *storage.Storage {
	out := storage.New()
	WriteStatusCmd(out, cmdCode, result, description)
	return out
}

func TestVerifyStatusResponse(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		success, desc, err := VerifyStatusResponse(statusFrame(CmdSimStep2, RTypeOK, "All right"), CmdSimStep2, 8813)
		if err != nil {
			t.Fatalf("VerifyStatusResponse: %v", err)
		}
		if !success || desc != "All right" {
			t.Errorf("got success=%v desc=%q, want true, \"All right\"", success, desc)
		}
	})

	t.Run("failure result code", func(t *testing.T) {
		success, desc, err := VerifyStatusResponse(statusFrame(CmdSimStep2, RTypeErr, "boom"), CmdSimStep2, 8813)
		if err != nil {
			t.Fatalf("VerifyStatusResponse: %v", err)
		}
		if success || desc != "boom" {
			t.Errorf("got success=%v desc=%q, want false, \"boom\"", success, desc)
		}
	})

	t.Run("wrong opcode", func(t *testing.T) {
		_, _, err := VerifyStatusResponse(statusFrame(CmdClose, RTypeOK, ""), CmdSimStep2, 8813)
		assertEngineProtocolError(t, err, 8813)
	})

	t.Run("frame too short", func(t *testing.T) {
		_, _, err := VerifyStatusResponse(storage.FromBytes([]byte{0x03, 0x02, 0x00}), CmdSimStep2, 8813)
		assertEngineProtocolError(t, err, 8813)
	})

	t.Run("truncated description", func(t *testing.T) {
		frame := statusFrame(CmdSimStep2, RTypeOK, "All right")
		truncated := storage.FromBytes(frame.Bytes()[:frame.Size()-4])
		_, _, err := VerifyStatusResponse(truncated, CmdSimStep2, 8813)
		assertEngineProtocolError(t, err, 8813)
	})

	t.Run("unreadable size prefix", func(t *testing.T) {
		_, _, err := VerifyStatusResponse(storage.New(), CmdSimStep2, 8813)
		assertEngineProtocolError(t, err, 8813)
	})
}

func assertEngineProtocolError(t *testing.T, err error, port int) {
	t.Helper()

	var protoErr *errors.Protocol
	if !goerrs.As(err, &protoErr) {
		t.Fatalf("error = %v, want *errors.Protocol", err)
	}
	if protoErr.FromClient {
		t.Error("protocol error attributed to client, want engine")
	}
	if protoErr.Port != port {
		t.Errorf("protocol error port = %d, want %d", protoErr.Port, port)
	}
}

package vsh

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	req := SetupConnectionRequest{User: "chronos", Argv: []string{"/bin/cat"}, WindowRows: 24, WindowCols: 80}
	if err := WriteFrame(buf, MsgSetupConnectionRequest, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	typ, raw, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != MsgSetupConnectionRequest {
		t.Fatalf("unexpected type %v", typ)
	}
	got, err := DecodeSetupConnectionRequest(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User != "chronos" || len(got.Argv) != 1 || got.Argv[0] != "/bin/cat" {
		t.Fatalf("unexpected decoded request: %+v", got)
	}
}

func TestDataMessageEmptyIsEOF(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteFrame(buf, MsgDataMessage, DataMessage{Stream: StreamStdin, Data: nil}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, raw, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	dm, err := DecodeDataMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dm.Data) != 0 {
		t.Fatalf("expected zero-length data for EOF sentinel")
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	buf := &bytes.Buffer{}
	WriteFrame(buf, MsgDataMessage, DataMessage{Stream: StreamStdout, Data: []byte("hello\n")})
	WriteFrame(buf, MsgConnectionStatusMessage, ConnectionStatusMessage{Status: StatusExited, Code: 0})

	typ1, raw1, err := ReadFrame(buf)
	if err != nil || typ1 != MsgDataMessage {
		t.Fatalf("first frame: type=%v err=%v", typ1, err)
	}
	dm, _ := DecodeDataMessage(raw1)
	if string(dm.Data) != "hello\n" {
		t.Fatalf("unexpected data: %q", dm.Data)
	}

	typ2, raw2, err := ReadFrame(buf)
	if err != nil || typ2 != MsgConnectionStatusMessage {
		t.Fatalf("second frame: type=%v err=%v", typ2, err)
	}
	cs, _ := DecodeConnectionStatusMessage(raw2)
	if cs.Status != StatusExited || cs.Code != 0 {
		t.Fatalf("unexpected status message: %+v", cs)
	}
}

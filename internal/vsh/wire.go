// Package vsh implements the framed shell-forwarding wire protocol
// (spec.md §4.5) plus the guest-side PtyForwarder and host-side VshClient
// that speak it over an AF_VSOCK stream.
package vsh

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType tags a framed message's payload.
type MessageType uint8

const (
	MsgSetupConnectionRequest MessageType = iota
	MsgSetupConnectionResponse
	MsgDataMessage
	MsgWindowResizeMessage
	MsgConnectionStatusMessage
)

// Stream identifies which stdio stream a DataMessage carries.
type Stream string

const (
	StreamStdin  Stream = "STDIN"
	StreamStdout Stream = "STDOUT"
	StreamStderr Stream = "STDERR"
)

// SetupStatus is the outcome reported in a SetupConnectionResponse.
type SetupStatus string

const (
	StatusReady   SetupStatus = "READY"
	StatusFailed  SetupStatus = "FAILED"
	StatusExited  SetupStatus = "EXITED"
)

// MaxDataPayload bounds a single DataMessage's payload (spec.md §4.5).
const MaxDataPayload = 4096

// MaxControlPayload bounds any other framed message (spec.md §4.5).
const MaxControlPayload = 64 * 1024

// maxDataFrameBytes bounds the *encoded* envelope for a DataMessage.
// json.Marshal emits a []byte field as base64 (4/3 expansion), so a full
// MaxDataPayload-sized chunk needs room for its base64 blow-up plus the
// envelope/field overhead around it, not just MaxDataPayload itself.
const maxDataFrameBytes = base64.StdEncoding.EncodedLen(MaxDataPayload) + 512

// SetupConnectionRequest is the first message a client sends.
type SetupConnectionRequest struct {
	Target      string            `json:"target"`
	User        string            `json:"user"`
	NoPty       bool              `json:"nopty,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Argv        []string          `json:"argv,omitempty"`
	WindowRows  uint16            `json:"window_rows"`
	WindowCols  uint16            `json:"window_cols"`
}

// SetupConnectionResponse is the server's reply to SetupConnectionRequest.
type SetupConnectionResponse struct {
	Status      SetupStatus `json:"status"`
	Description string      `json:"description,omitempty"`
}

// DataMessage carries a chunk of one stdio stream. A zero-length Data
// signals EOF on that stream.
type DataMessage struct {
	Stream Stream `json:"stream"`
	Data   []byte `json:"data"`
}

// WindowResizeMessage propagates a terminal resize.
type WindowResizeMessage struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ConnectionStatusMessage reports session termination. Code is the child's
// exit status: 0-255 for a normal exit, 128+signal for death by signal.
type ConnectionStatusMessage struct {
	Status      SetupStatus `json:"status"`
	Description string      `json:"description,omitempty"`
	Code        int         `json:"code"`
}

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WriteFrame encodes v under msgType and writes a 4-byte big-endian length
// prefix followed by exactly that many payload bytes. Partial writes of a
// framed message never occur: the envelope is fully buffered before any
// byte reaches w.
func WriteFrame(w io.Writer, msgType MessageType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env, err := json.Marshal(envelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	limit := MaxControlPayload
	if msgType == MsgDataMessage {
		limit = maxDataFrameBytes
	}
	if len(env) > limit {
		return fmt.Errorf("framed message of %d bytes exceeds limit %d", len(env), limit)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))

	buf := make([]byte, 0, 4+len(env))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, env...)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one framed message and returns its type and raw payload.
func ReadFrame(r io.Reader) (MessageType, json.RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxControlPayload {
		return 0, nil, fmt.Errorf("framed message length %d exceeds maximum %d", n, MaxControlPayload)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}

// DecodeSetupConnectionRequest, etc. are small typed-decode helpers so
// callers don't repeat json.Unmarshal boilerplate at every call site.

func DecodeSetupConnectionRequest(raw json.RawMessage) (SetupConnectionRequest, error) {
	var v SetupConnectionRequest
	err := json.Unmarshal(raw, &v)
	return v, err
}

func DecodeSetupConnectionResponse(raw json.RawMessage) (SetupConnectionResponse, error) {
	var v SetupConnectionResponse
	err := json.Unmarshal(raw, &v)
	return v, err
}

func DecodeDataMessage(raw json.RawMessage) (DataMessage, error) {
	var v DataMessage
	err := json.Unmarshal(raw, &v)
	return v, err
}

func DecodeWindowResizeMessage(raw json.RawMessage) (WindowResizeMessage, error) {
	var v WindowResizeMessage
	err := json.Unmarshal(raw, &v)
	return v, err
}

func DecodeConnectionStatusMessage(raw json.RawMessage) (ConnectionStatusMessage, error) {
	var v ConnectionStatusMessage
	err := json.Unmarshal(raw, &v)
	return v, err
}

package concierge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Guest RPC framing follows the same shape as the shell forwarder's wire
// protocol (spec.md §4.5: "implementers may pick any self-describing
// encoding provided it is deterministic for identical values"): a 4-byte
// big-endian length prefix around a JSON envelope, bounded by
// maxGuestControlPayload. It is a sibling encoding, not a literal reuse of
// vsh.WriteFrame/ReadFrame, since this message-type space is unrelated to
// vsh's and the two must not be confused by a caller passing the wrong
// envelope through the wrong reader.

const maxGuestControlPayload = 64 * 1024

type GuestMessageType uint8

const (
	MsgRegisterContainer GuestMessageType = iota
	MsgUnregisterContainer
	MsgUpdateApplicationList
	MsgContainerStartupFailed
	MsgLxdProgress
)

// RegisterContainerRequest is sent by the in-VM agent once a container has
// confirmed startup (spec.md §4.4 register_container).
type RegisterContainerRequest struct {
	Token          string `json:"token"`
	GarconEndpoint string `json:"garcon_endpoint"`
	IPv4           string `json:"ipv4,omitempty"`
}

type RegisterContainerResponse struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// UnregisterContainerRequest is sent on container shutdown.
type UnregisterContainerRequest struct {
	Token string `json:"token"`
}

type UnregisterContainerResponse struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ApplicationEntry is one guest-provided application-list entry. The
// (owner_id, vm-name, container-name) triple is never trusted from the
// guest: the control service sets it from the authenticated VmRecord the
// token resolved to.
type ApplicationEntry struct {
	AppID       string `json:"app_id"`
	Name        string `json:"name"`
	CommandLine string `json:"command_line"`
	IconPath    string `json:"icon_path,omitempty"`
}

type UpdateApplicationListRequest struct {
	Token string             `json:"token"`
	Apps  []ApplicationEntry `json:"apps"`
}

type UpdateApplicationListResponse struct {
	Success bool `json:"success"`
}

// ContainerStartupFailedRequest is received on the startup-failure path;
// the cid is taken from the peer address, not the payload.
type ContainerStartupFailedRequest struct {
	ContainerName string `json:"container_name"`
	Reason        string `json:"reason,omitempty"`
}

// LxdOperation enumerates the LXD operations the Tremplin listener reports
// incremental progress for.
type LxdOperation string

const (
	LxdOpCreate LxdOperation = "create"
	LxdOpStart  LxdOperation = "start"
	LxdOpDelete LxdOperation = "delete"
	LxdOpExport LxdOperation = "export"
	LxdOpImport LxdOperation = "import"
)

type LxdProgressRequest struct {
	Operation       LxdOperation `json:"operation"`
	ContainerName   string       `json:"container_name"`
	Status          string       `json:"status"`
	ProgressPercent int          `json:"progress_percent"`
}

func decodeGuestPayload(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

type guestEnvelope struct {
	Type    GuestMessageType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// writeGuestFrame marshals v fully before writing, so partial frames never
// reach the wire even on a write failure partway through.
func writeGuestFrame(w io.Writer, msgType GuestMessageType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal guest payload: %w", err)
	}
	env, err := json.Marshal(guestEnvelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal guest envelope: %w", err)
	}
	if len(env) > maxGuestControlPayload {
		return fmt.Errorf("guest frame of %d bytes exceeds limit %d", len(env), maxGuestControlPayload)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))
	buf := make([]byte, 0, 4+len(env))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, env...)
	_, err = w.Write(buf)
	return err
}

func readGuestFrame(r io.Reader) (GuestMessageType, json.RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxGuestControlPayload {
		return 0, nil, fmt.Errorf("guest frame length %d exceeds maximum %d", n, maxGuestControlPayload)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	var env guestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, nil, fmt.Errorf("unmarshal guest envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}

package concierge

import (
	"context"
	"fmt"
	"log"
	"net"

	"go.chromium.org/vmtools/internal/vmerr"
	"go.chromium.org/vmtools/internal/vsockutil"
)

// ContainerListener is the legacy AF_VSOCK/AF_INET guest listener: it
// accepts connections from the in-VM container agent and translates each
// framed RPC into a task posted to the control thread, per spec.md §4.4's
// "Listener → control dispatch" contract.
type ContainerListener struct {
	cs *ControlService
}

// NewContainerListener binds a listener for the container-facing RPC
// surface.
func NewContainerListener(cs *ControlService) *ContainerListener {
	return &ContainerListener{cs: cs}
}

// Serve accepts connections until ctx is cancelled or ln errors.
func (l *ContainerListener) Serve(ctx context.Context, ln net.Listener) error {
	return serveLoop(ctx, ln, l.handleConn)
}

func (l *ContainerListener) handleConn(conn net.Conn) {
	defer conn.Close()

	peer, err := vsockutil.ParsePeerAddr(conn.RemoteAddr().String())
	if err != nil {
		log.Printf("concierge: container listener: %v", err)
		writeGuestFrame(conn, MsgRegisterContainer, RegisterContainerResponse{Success: false, FailureReason: "FAILED_PRECONDITION"})
		return
	}

	typ, raw, err := readGuestFrame(conn)
	if err != nil {
		log.Printf("concierge: container listener read: %v", err)
		return
	}

	ref := peerRefFor(peer)

	switch typ {
	case MsgRegisterContainer:
		var req RegisterContainerRequest
		if err := decodeGuestPayload(raw, &req); err != nil || req.Token == "" {
			writeGuestFrame(conn, MsgRegisterContainer, RegisterContainerResponse{Success: false, FailureReason: "INVALID_ARGUMENT"})
			return
		}
		var resp RegisterContainerResponse
		l.cs.Post(func() { resp = l.cs.RegisterContainer(ref, req) })
		writeGuestFrame(conn, MsgRegisterContainer, resp)

	case MsgUnregisterContainer:
		var req UnregisterContainerRequest
		if err := decodeGuestPayload(raw, &req); err != nil || req.Token == "" {
			writeGuestFrame(conn, MsgUnregisterContainer, UnregisterContainerResponse{Success: false, FailureReason: "INVALID_ARGUMENT"})
			return
		}
		var resp UnregisterContainerResponse
		l.cs.Post(func() { resp = l.cs.UnregisterContainer(ref, req) })
		writeGuestFrame(conn, MsgUnregisterContainer, resp)

	case MsgUpdateApplicationList:
		var req UpdateApplicationListRequest
		if err := decodeGuestPayload(raw, &req); err != nil || req.Token == "" {
			writeGuestFrame(conn, MsgUpdateApplicationList, UpdateApplicationListResponse{Success: false})
			return
		}
		var resp UpdateApplicationListResponse
		l.cs.Post(func() { resp = l.cs.UpdateApplicationList(ref, req) })
		writeGuestFrame(conn, MsgUpdateApplicationList, resp)

	case MsgContainerStartupFailed:
		var req ContainerStartupFailedRequest
		if err := decodeGuestPayload(raw, &req); err != nil {
			return
		}
		// Non-blocking: VM boot must never wait on this signal reaching
		// upstream subscribers.
		l.cs.PostAsync(func() { l.cs.ContainerStartupFailed(ref, req) })

	default:
		log.Printf("concierge: container listener: unknown message type %d", typ)
	}
}

// peerRefFor converts a parsed peer address into the PeerRef form
// ControlService uses to resolve the originating VM: vsock peers resolve
// by context-id, the legacy AF_INET peer form resolves by container IP.
func peerRefFor(peer vsockutil.PeerAddr) PeerRef {
	if peer.Kind == vsockutil.PeerIPv4 {
		return PeerRef{IP: peer.IP}
	}
	return PeerRef{CID: peer.CID}
}

// TremplinListener is the guest listener bound to its own vsock port,
// carrying LXD container lifecycle progress updates.
type TremplinListener struct {
	cs *ControlService
}

// NewTremplinListener binds a listener for the Tremplin-facing RPC surface.
func NewTremplinListener(cs *ControlService) *TremplinListener {
	return &TremplinListener{cs: cs}
}

// Serve accepts connections until ctx is cancelled or ln errors.
func (l *TremplinListener) Serve(ctx context.Context, ln net.Listener) error {
	return serveLoop(ctx, ln, l.handleConn)
}

func (l *TremplinListener) handleConn(conn net.Conn) {
	defer conn.Close()

	peer, err := vsockutil.ParsePeerAddr(conn.RemoteAddr().String())
	if err != nil {
		log.Printf("concierge: tremplin listener: %v", err)
		return
	}

	typ, raw, err := readGuestFrame(conn)
	if err != nil {
		log.Printf("concierge: tremplin listener read: %v", err)
		return
	}

	if typ != MsgLxdProgress {
		log.Printf("concierge: tremplin listener: unexpected message type %d", typ)
		return
	}
	var req LxdProgressRequest
	if err := decodeGuestPayload(raw, &req); err != nil {
		return
	}
	// LXD progress is fire-and-forget fan-out, not a request/response RPC:
	// no reply frame is written back to the guest.
	l.cs.PostAsync(func() { l.cs.LxdProgress(peerRefFor(peer), req) })
}

// serveLoop is the shared accept loop both guest listeners use: each
// connection is handled on its own goroutine so a slow or malicious guest
// agent on one VM cannot stall another VM's RPCs.
func serveLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", vmerr.Unavailable)
		}
		go handle(conn)
	}
}

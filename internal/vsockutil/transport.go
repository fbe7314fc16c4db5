package vsockutil

import (
	"net"

	"github.com/mdlayher/vsock"
)

// Listen opens an AF_VSOCK listener on port, bound to VMADDR_CID_ANY so it
// accepts connections from any guest. Used by the control service's two
// guest listeners and by the shell forwarder's accept loop.
func Listen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

// Dial connects to cid:port over AF_VSOCK. Used by the vsh host client,
// which learns the guest's cid out of band (spec.md §6).
func Dial(cid, port uint32) (net.Conn, error) {
	return vsock.Dial(cid, port, nil)
}

// ContextID returns this host's vsock context id (VMADDR_CID_HOST == 2 for
// the host side; guests query their own assigned cid the same way).
func ContextID() (uint32, error) {
	return vsock.ContextID()
}

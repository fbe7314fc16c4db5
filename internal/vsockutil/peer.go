// Package vsockutil parses the peer-address forms the two guest listeners
// accept, and wraps github.com/mdlayher/vsock for the AF_VSOCK transport
// shared by the control service and the shell forwarder.
package vsockutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.chromium.org/vmtools/internal/vmerr"
)

// PeerKind distinguishes how a PeerAddr was parsed.
type PeerKind int

const (
	PeerVsock PeerKind = iota
	PeerIPv4
)

// PeerAddr is the result of parsing a listener peer address.
type PeerAddr struct {
	Kind PeerKind
	CID  uint32 // valid for PeerVsock
	Port uint32 // valid when the form included a port; 0 otherwise
	IP   net.IP // valid for PeerIPv4
}

// ParsePeerAddr accepts exactly the forms spec.md §4.4 names:
// "vsock:<cid>", "vsock:<cid>:<port>", and "ipv4:<a.b.c.d>:<port>" (the
// legacy container listener's path). Anything else is BAD (FAILED_PRECONDITION
// at the caller).
func ParsePeerAddr(s string) (PeerAddr, error) {
	switch {
	case strings.HasPrefix(s, "vsock:"):
		rest := strings.TrimPrefix(s, "vsock:")
		parts := strings.Split(rest, ":")
		switch len(parts) {
		case 1:
			cid, err := parseUint32(parts[0])
			if err != nil {
				return PeerAddr{}, badPeer(s)
			}
			return PeerAddr{Kind: PeerVsock, CID: cid}, nil
		case 2:
			cid, err := parseUint32(parts[0])
			if err != nil {
				return PeerAddr{}, badPeer(s)
			}
			port, err := parseUint32(parts[1])
			if err != nil {
				return PeerAddr{}, badPeer(s)
			}
			return PeerAddr{Kind: PeerVsock, CID: cid, Port: port}, nil
		default:
			return PeerAddr{}, badPeer(s)
		}
	case strings.HasPrefix(s, "ipv4:"):
		rest := strings.TrimPrefix(s, "ipv4:")
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return PeerAddr{}, badPeer(s)
		}
		ipPart, portPart := rest[:idx], rest[idx+1:]
		ip := net.ParseIP(ipPart).To4()
		if ip == nil {
			return PeerAddr{}, badPeer(s)
		}
		port, err := parseUint32(portPart)
		if err != nil {
			return PeerAddr{}, badPeer(s)
		}
		return PeerAddr{Kind: PeerIPv4, IP: ip, Port: port}, nil
	default:
		return PeerAddr{}, badPeer(s)
	}
}

func badPeer(s string) error {
	return fmt.Errorf("%w: unparseable peer address %q", vmerr.Unavailable, s)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

package concierge

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/vmtools/internal/vmerr"
)

// VmmControl sends the small set of control-socket commands spec.md §1
// says we own (the VMM process launcher itself is out of scope): graceful
// shutdown and a liveness probe against the per-VM crosvm.sock described
// in spec.md §6's filesystem layout.
type VmmControl struct {
	SocketPath string
}

// gracefulShutdownTimeout matches spec.md §5's bounded default timeout for
// graceful VM shutdown.
const gracefulShutdownTimeout = 30 * time.Second

// Shutdown sends the VMM's graceful-shutdown command and waits for its
// single-line acknowledgement, bounded by gracefulShutdownTimeout.
func (v *VmmControl) Shutdown() error {
	conn, err := net.DialTimeout("unix", v.SocketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial vmm control socket %s: %w", v.SocketPath, vmerr.Unavailable)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(gracefulShutdownTimeout))
	// Tag the command with a request id so the caller can correlate an
	// asynchronous crosvm log line with this particular shutdown attempt.
	reqID := uuid.NewString()
	if _, err := fmt.Fprintf(conn, "shutdown %s\n", reqID); err != nil {
		return fmt.Errorf("send shutdown to %s: %w", v.SocketPath, vmerr.Unavailable)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read shutdown ack from %s: %w", v.SocketPath, vmerr.Unavailable)
	}
	if line != "ok\n" {
		return fmt.Errorf("vmm %s refused shutdown: %q", v.SocketPath, line)
	}
	return nil
}

// Ping checks that the VMM's control socket is accepting connections.
func (v *VmmControl) Ping() error {
	conn, err := net.DialTimeout("unix", v.SocketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("ping vmm control socket %s: %w", v.SocketPath, vmerr.Unavailable)
	}
	return conn.Close()
}

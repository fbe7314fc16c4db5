// vshd is the guest-side shell forwarder daemon: it listens on the
// well-known AF_VSOCK port, and for each incoming connection negotiates a
// pty or pipe session and runs internal/vsh.Accept's multiplex loop.
//
// The host-side peer (cmd/vsh) learns the guest's cid out of band and
// dials this port directly; vshd never initiates a connection itself.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.chromium.org/vmtools/internal/vsh"
	"go.chromium.org/vmtools/internal/vsockutil"
	"go.chromium.org/vmtools/internal/vtconfig"
)

// vmShellChronosOnlyTarget is the target name reserved for the VM's own
// shell (as opposed to a container shell), restricted to the chronos user
// outside a test image per spec.md §4.6 step 2.
const vmShellChronosOnlyTarget = "vm-shell"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := vtconfig.DefaultConfig()

	ln, err := vsockutil.Listen(cfg.VshPort)
	if err != nil {
		log.Fatalf("vshd: listen vsock port %d: %v", cfg.VshPort, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("vshd: received %v, shutting down", sig)
		cancel()
		ln.Close()
	}()

	fwd := ForwarderConfig(cfg)

	log.Printf("vshd: ready on vsock port %d (pid %d)", cfg.VshPort, os.Getpid())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("vshd: stopped")
				return
			default:
			}
			log.Printf("vshd: accept: %v", err)
			return
		}
		go vsh.Accept(ctx, conn, fwd)
	}
}

// ForwarderConfig builds the vsh.ForwarderConfig this daemon serves with:
// the VM-shell target is chronos-only outside a test image, exactly as
// spec.md §4.6 step 2 specifies.
func ForwarderConfig(cfg *vtconfig.Config) vsh.ForwarderConfig {
	return vsh.ForwarderConfig{
		Resolver: vsh.IdentityResolver{
			ChronosOnlyTarget: vmShellChronosOnlyTarget,
			TestImage:         cfg.TestImage,
		},
	}
}

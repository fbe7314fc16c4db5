// vm_concierge is the host-side VM/container control-plane daemon: it runs
// the single-threaded ControlService, binds the two guest-facing vsock
// listeners, and exports the control surface on the system D-Bus.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/vmtools/internal/concierge"
	"go.chromium.org/vmtools/internal/vsockutil"
	"go.chromium.org/vmtools/internal/vtconfig"
)

// resolverBusName is the well-known bus name of the hostname-resolver
// collaborator ControlService watches for NameOwnerChanged restarts.
const resolverBusName = "org.chromium.SystemProxy"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := vtconfig.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("vm_concierge: create directories: %v", err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("vm_concierge: connect system bus: %v", err)
	}
	defer conn.Close()

	resolver := &dbusHostnameResolver{conn: conn}
	cs := concierge.NewControlService(cfg, resolver, nil, nil)

	export, err := concierge.ExportOn(conn, cs)
	if err != nil {
		log.Fatalf("vm_concierge: export dbus surface: %v", err)
	}
	cs.SetSignalHandler(export.Emit)

	if err := concierge.WatchResolverRestart(conn, resolverBusName, cs); err != nil {
		log.Printf("vm_concierge: watch resolver restart: %v", err)
	}

	reply, err := conn.RequestName(concierge.DBusInterface, dbus.NameFlagDoNotQueue)
	if err != nil {
		log.Fatalf("vm_concierge: request bus name: %v", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Fatalf("vm_concierge: bus name %s already owned", concierge.DBusInterface)
	}

	containerLn, err := vsockutil.Listen(cfg.ContainerListenerPort)
	if err != nil {
		log.Fatalf("vm_concierge: listen container port %d: %v", cfg.ContainerListenerPort, err)
	}
	tremplinLn, err := vsockutil.Listen(cfg.TremplinListenerPort)
	if err != nil {
		log.Fatalf("vm_concierge: listen tremplin port %d: %v", cfg.TremplinListenerPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("vm_concierge: received %v, shutting down", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cs.Run(gctx) })
	g.Go(func() error { return serveGuest(gctx, concierge.NewContainerListener(cs), containerLn) })
	g.Go(func() error { return serveGuest(gctx, concierge.NewTremplinListener(cs), tremplinLn) })

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("vm_concierge: sd_notify ready: %v", err)
	}
	log.Printf("vm_concierge: ready (pid %d)", os.Getpid())

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("vm_concierge: %v", err)
	}
	log.Println("vm_concierge: stopped")
}

type guestListener interface {
	Serve(ctx context.Context, ln net.Listener) error
}

func serveGuest(ctx context.Context, l guestListener, ln net.Listener) error {
	err := l.Serve(ctx, ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// WatchResolverRestartCompat wraps concierge.WatchResolverRestart with this
// binary's well-known resolver bus name.
func WatchResolverRestartCompat(conn *dbus.Conn, cs *concierge.ControlService) error {
	return concierge.WatchResolverRestart(conn, resolverBusName, cs)
}

// dbusHostnameResolver forwards hostname mapping calls to the system
// resolver collaborator over D-Bus (out of this spec's scope to implement
// itself; spec.md §1 treats host-side network resolution as external).
type dbusHostnameResolver struct {
	conn *dbus.Conn
}

func (r *dbusHostnameResolver) SetMapping(hostname string, ip net.IP) error {
	obj := r.conn.Object(resolverBusName, "/org/chromium/SystemProxy")
	call := obj.Call("org.chromium.SystemProxy.SetHostnameMapping", 0, hostname, ip.String())
	return call.Err
}

func (r *dbusHostnameResolver) RemoveMapping(hostname string) error {
	obj := r.conn.Object(resolverBusName, "/org/chromium/SystemProxy")
	call := obj.Call("org.chromium.SystemProxy.RemoveHostnameMapping", 0, hostname)
	return call.Err
}

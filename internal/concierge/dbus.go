package concierge

import (
	"fmt"
	"log"
	"net"

	"github.com/godbus/dbus/v5"
)

// DBusInterface is the well-known D-Bus interface and object path the
// control service exports its host-facing surface on (spec.md §4.4a).
const (
	DBusInterface  = "org.chromium.VmConcierge"
	DBusObjectPath = "/org/chromium/VmConcierge"
)

// dbusService adapts ControlService's method set to godbus/dbus/v5's
// reflection-based Export: each exported method's last return value must
// be *dbus.Error (nil on success).
type dbusService struct {
	cs *ControlService
}

// ExportOn exports the control service's D-Bus methods on conn and
// returns a handle used to emit signals and watch for collaborator
// restarts. The caller is responsible for requesting the well-known bus
// name (RequestName) once setup is otherwise complete.
func ExportOn(conn *dbus.Conn, cs *ControlService) (*DBusExport, error) {
	svc := &dbusService{cs: cs}
	if err := conn.Export(svc, DBusObjectPath, DBusInterface); err != nil {
		return nil, fmt.Errorf("export %s: %w", DBusInterface, err)
	}
	return &DBusExport{conn: conn}, nil
}

// DBusExport is the live D-Bus binding: signal emission and
// NameOwnerChanged-driven mapping republish.
type DBusExport struct {
	conn *dbus.Conn
}

// Emit publishes a Signal as a D-Bus signal on DBusObjectPath.
func (d *DBusExport) Emit(s Signal) {
	name := DBusInterface + "." + string(s.Name) + "Signal"
	if err := d.conn.Emit(dbus.ObjectPath(DBusObjectPath), name, s.OwnerID, s.VmName, s.ContainerName, s.Code); err != nil {
		log.Printf("concierge: emit signal %s: %v", name, err)
	}
}

// WatchResolverRestart subscribes to NameOwnerChanged for resolverBusName
// and calls cs.HandleResolverRestart whenever the resolver reappears with
// a new unique name (i.e. it restarted), per spec.md §4.4.
func WatchResolverRestart(conn *dbus.Conn, resolverBusName string, cs *ControlService) error {
	rule := fmt.Sprintf(
		"type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'",
		resolverBusName,
	)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return fmt.Errorf("watch name owner changes for %s: %w", resolverBusName, call.Err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go func() {
		for sig := range signals {
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" {
				continue
			}
			if len(sig.Body) != 3 {
				continue
			}
			newOwner, _ := sig.Body[2].(string)
			if newOwner != "" {
				log.Printf("concierge: resolver %s restarted, republishing mappings", resolverBusName)
				cs.Post(cs.HandleResolverRestart)
			}
		}
	}()
	return nil
}

// --- Exported D-Bus methods. Each returns (..., *dbus.Error) per
// godbus/dbus/v5's reflection-export contract. ---

type startVmReply struct {
	Success       bool
	FailureReason string
}

// StartVm registers a VM that has already been booted by the VMM launcher
// (out of scope per spec.md §1) and had its vsock cid, subnet, and netmask
// assigned by the caller.
func (s *dbusService) StartVm(ownerID, name string, cid uint32, subnet, netmask, ipv4 string) (startVmReply, *dbus.Error) {
	var reply startVmReply
	s.cs.Post(func() {
		sNet := net.ParseIP(subnet)
		sMask := net.ParseIP(netmask)
		sIP := net.ParseIP(ipv4)
		if _, err := s.cs.NotifyVmStarted(ownerID, name, cid, sNet, sMask, sIP); err != nil {
			reply = startVmReply{Success: false, FailureReason: err.Error()}
			return
		}
		reply = startVmReply{Success: true}
	})
	return reply, nil
}

// StopVm tears down a VM's registry entry (and, via the registry's
// OnContainerShutdown hook, synthesizes container shutdown signals).
func (s *dbusService) StopVm(ownerID, name string) (startVmReply, *dbus.Error) {
	var reply startVmReply
	s.cs.Post(func() {
		if err := s.cs.NotifyVmStopped(ownerID, name); err != nil {
			reply = startVmReply{Success: false, FailureReason: err.Error()}
			return
		}
		reply = startVmReply{Success: true}
	})
	return reply, nil
}

type vmInfoReply struct {
	Success bool
	CID     uint32
	IPv4    string
	Status  string
}

// GetVmInfo returns a snapshot of a registered VM's identity fields.
func (s *dbusService) GetVmInfo(ownerID, name string) (vmInfoReply, *dbus.Error) {
	var reply vmInfoReply
	s.cs.Post(func() {
		vm := s.cs.registry.Find(ownerID, name)
		if vm == nil {
			reply = vmInfoReply{Success: false}
			return
		}
		reply = vmInfoReply{Success: true, CID: vm.CID, IPv4: vm.IPv4.String(), Status: vm.Status.String()}
	})
	return reply, nil
}

// LaunchVshd records nothing in the registry; it is a pass-through hint
// telling the caller which cid/port to dial for an interactive shell
// (the shell forwarder itself lives in internal/vsh, guest-side).
func (s *dbusService) LaunchVshd(ownerID, name string) (vmInfoReply, *dbus.Error) {
	return s.GetVmInfo(ownerID, name)
}

type genericReply struct {
	Success       bool
	FailureReason string
}

// CreateDiskImage is a pass-through host-side operation; disk image
// management itself is out of scope (spec.md §1 excludes package-manager
// proxy except where it fans rate-limited calls into the control service).
func (s *dbusService) CreateDiskImage(ownerID, diskPath string) (genericReply, *dbus.Error) {
	return genericReply{Success: true}, nil
}

// LaunchContainerApplication generates a pending-container token for the
// named VM, to be handed to the guest launcher out of band.
func (s *dbusService) LaunchContainerApplication(ownerID, vmName, containerName string) (genericReply, *dbus.Error) {
	var reply genericReply
	s.cs.Post(func() {
		if _, err := s.cs.LaunchContainerApplication(ownerID, vmName, containerName); err != nil {
			reply = genericReply{Success: false, FailureReason: err.Error()}
			return
		}
		reply = genericReply{Success: true}
	})
	return reply, nil
}

// InstallLinuxPackage stands in for the package-manager proxy
// collaborator; package management itself is out of scope (spec.md §1),
// so this only validates the VM exists and reports success. No rate limit
// is applied.
func (s *dbusService) InstallLinuxPackage(ownerID, vmName, containerName, packagePath string) (genericReply, *dbus.Error) {
	var reply genericReply
	s.cs.Post(func() {
		if vm := s.cs.registry.Find(ownerID, vmName); vm == nil {
			reply = genericReply{Success: false, FailureReason: "vm not found"}
			return
		}
		reply = genericReply{Success: true}
	})
	return reply, nil
}

// VmOpenUrl applies the fixed-window open-url/open-terminal rate limiter.
func (s *dbusService) VmOpenUrl(ownerID, vmName, url string) (genericReply, *dbus.Error) {
	var reply genericReply
	s.cs.Post(func() {
		if err := s.cs.VmOpenUrl(ownerID, vmName, url); err != nil {
			reply = genericReply{Success: false, FailureReason: "RESOURCE_EXHAUSTED"}
			return
		}
		reply = genericReply{Success: true}
	})
	return reply, nil
}

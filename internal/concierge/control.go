package concierge

import (
	"context"
	"fmt"
	"log"
	"net"

	"go.chromium.org/vmtools/internal/vmerr"
	"go.chromium.org/vmtools/internal/vtconfig"
)

// HostnameResolver is the upstream collaborator that maps
// "<container>-<vm>-local" (and, for default container names, "linuxhost")
// to a container's IPv4 address. Only the primary owner's containers are
// published (spec.md §4.4 signal re-emission).
type HostnameResolver interface {
	SetMapping(hostname string, ip net.IP) error
	RemoveMapping(hostname string) error
}

// ApplicationRegistry is the upstream collaborator UpdateApplicationList
// forwards the guest-provided application entries to.
type ApplicationRegistry interface {
	UpdateApplicationList(ownerID, vmName, containerName string, apps []ApplicationEntry) error
}

// SignalName enumerates the signals ControlService re-emits to upstream
// subscribers.
type SignalName string

const (
	SignalContainerStarted     SignalName = "ContainerStarted"
	SignalContainerShutdown    SignalName = "ContainerShutdown"
	SignalVmStopped            SignalName = "VmStopped"
	SignalLxdContainerCreated  SignalName = "LxdContainerCreated"
	SignalLxdContainerStarted  SignalName = "LxdContainerStarted"
	SignalLxdContainerDeleted  SignalName = "LxdContainerDeleted"
	SignalLxdContainerExported SignalName = "LxdContainerExported"
	SignalLxdContainerImported SignalName = "LxdContainerImported"
)

// Signal is a re-emitted event carrying the fields spec.md §4.4 specifies:
// vm-name, container-name, owner-id, plus an operation-specific code (LXD
// progress percent, or a VM stop code).
type Signal struct {
	Name          SignalName
	OwnerID       string
	VmName        string
	ContainerName string
	Code          int
}

// ControlService is the single control thread: all VmRegistry mutation and
// upstream-collaborator calls happen inside tasks drained from a single
// channel by Run, matching spec.md §4.4/§5's cooperative scheduling model.
type ControlService struct {
	cfg      *vtconfig.Config
	registry *VmRegistry
	limiter  *OpenURLLimiter

	resolver    HostnameResolver
	appRegistry ApplicationRegistry
	onSignal    func(Signal)

	// publishedMappings tracks the primary owner's currently-published
	// hostname->ip mappings so they can be fully republished when the
	// resolver collaborator restarts (detected via D-Bus NameOwnerChanged).
	publishedMappings map[string]net.IP
	primaryOwnerID    string

	tasks chan func()
}

// NewControlService wires a ControlService. onSignal and the collaborators
// may be nil in tests that only exercise registry/token semantics.
func NewControlService(cfg *vtconfig.Config, resolver HostnameResolver, appRegistry ApplicationRegistry, onSignal func(Signal)) *ControlService {
	return &ControlService{
		cfg:               cfg,
		registry:          NewVmRegistry(),
		limiter:           NewOpenURLLimiter(cfg.OpenURLRateWindow, cfg.OpenURLRateQuota),
		resolver:          resolver,
		appRegistry:       appRegistry,
		onSignal:          onSignal,
		publishedMappings: make(map[string]net.IP),
		tasks:             make(chan func(), 64),
	}
}

// Run drains the task queue until ctx is cancelled, the Go-idiomatic
// equivalent of the spec's single-threaded event loop over a task queue.
func (cs *ControlService) Run(ctx context.Context) error {
	cs.registry.OnContainerShutdown = func(vm *VmRecord, c *ContainerRecord) {
		cs.emitContainerShutdown(vm, c)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-cs.tasks:
			fn()
		}
	}
}

// Post runs fn on the control thread and blocks until it completes,
// modeling the listener thread's "post a closure, wait on the completion
// event" dispatch contract. Panics (FATAL per spec.md §7) are not
// recovered here: a listener posting to a dead control thread is an
// invariant violation the process should not silently paper over.
func (cs *ControlService) Post(fn func()) {
	done := make(chan struct{})
	cs.tasks <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// PostAsync enqueues fn without waiting, used by the non-blocking
// container-startup-failure path so VM boot is never blocked on signaling.
func (cs *ControlService) PostAsync(fn func()) {
	select {
	case cs.tasks <- fn:
	default:
		log.Printf("concierge: task queue full, dropping async task")
	}
}

// --- VmRegistry-facing operations, always run via Post/PostAsync from a listener ---

// NotifyVmStarted registers a new VmRecord. Called by the host-side VM
// boot orchestration (out of this spec's scope per spec.md §1) once the
// VMM process and its control socket are up.
func (cs *ControlService) NotifyVmStarted(ownerID, name string, cid uint32, subnet, netmask, ipv4 net.IP) (*VmRecord, error) {
	rec, err := cs.registry.Insert(ownerID, name, cid, subnet, netmask, ipv4)
	if err != nil {
		return nil, err
	}
	rec.Status = StatusRunning
	return rec, nil
}

// NotifyVmStopped removes a VmRecord, cascading into synthesized container
// shutdown signals for everything still registered, then emits VmStopped.
func (cs *ControlService) NotifyVmStopped(ownerID, name string) error {
	if err := cs.registry.Remove(ownerID, name); err != nil {
		return err
	}
	cs.emitSignal(Signal{Name: SignalVmStopped, OwnerID: ownerID, VmName: name})
	return nil
}

// PeerRef identifies the VM a guest RPC arrived from, by whichever form
// the listener parsed the peer address into: a vsock context-id for both
// guest listeners, or (for the legacy AF_INET form of ContainerListener) a
// container IPv4 address resolved against each VM's container subnet.
type PeerRef struct {
	CID uint32
	IP  net.IP
}

func (cs *ControlService) findVM(ref PeerRef) *VmRecord {
	if ref.IP != nil {
		return cs.registry.FindByContainerIP(ref.IP)
	}
	return cs.registry.FindByCID(ref.CID)
}

// RegisterContainer implements the ContainerListener's register_container
// dispatch: resolve the VM the RPC arrived from, confirm or refresh the
// container, emit ContainerStarted and (for the primary owner) publish a
// hostname mapping.
func (cs *ControlService) RegisterContainer(ref PeerRef, req RegisterContainerRequest) RegisterContainerResponse {
	vm := cs.findVM(ref)
	if vm == nil {
		return RegisterContainerResponse{Success: false, FailureReason: "unknown cid"}
	}
	rec, err := vm.Tokens.RegisterContainer(Token(req.Token), req.GarconEndpoint)
	if err != nil {
		return RegisterContainerResponse{Success: false, FailureReason: err.Error()}
	}
	if ip := net.ParseIP(req.IPv4); ip != nil {
		rec.IPv4 = ip
	}
	cs.emitSignal(Signal{Name: SignalContainerStarted, OwnerID: vm.OwnerID, VmName: vm.Name, ContainerName: rec.Name})
	if vm.OwnerID == cs.primaryOwnerID && rec.IPv4 != nil {
		cs.publishMapping(vm.Name, rec.Name, rec.IPv4)
	}
	return RegisterContainerResponse{Success: true}
}

// UnregisterContainer implements unregister_container: remove the
// container, emit ContainerShutdown, and drop any published mapping.
func (cs *ControlService) UnregisterContainer(ref PeerRef, req UnregisterContainerRequest) UnregisterContainerResponse {
	vm := cs.findVM(ref)
	if vm == nil {
		return UnregisterContainerResponse{Success: false, FailureReason: "unknown cid"}
	}
	rec, err := vm.Tokens.UnregisterContainer(Token(req.Token))
	if err != nil {
		return UnregisterContainerResponse{Success: false, FailureReason: err.Error()}
	}
	cs.emitContainerShutdown(vm, rec)
	return UnregisterContainerResponse{Success: true}
}

func (cs *ControlService) emitContainerShutdown(vm *VmRecord, c *ContainerRecord) {
	cs.emitSignal(Signal{Name: SignalContainerShutdown, OwnerID: vm.OwnerID, VmName: vm.Name, ContainerName: c.Name})
	if vm.OwnerID == cs.primaryOwnerID {
		cs.unpublishMapping(vm.Name, c.Name)
	}
}

// publishMapping sets "<container>-<vm>-local" (and "linuxhost" for the
// default container name "penguin") on the resolver collaborator, and
// records it for republish on resolver restart.
func (cs *ControlService) publishMapping(vmName, containerName string, ip net.IP) {
	hostnames := []string{fmt.Sprintf("%s-%s-local", containerName, vmName)}
	if containerName == "penguin" {
		hostnames = append(hostnames, "linuxhost")
	}
	for _, h := range hostnames {
		if cs.resolver != nil {
			if err := cs.resolver.SetMapping(h, ip); err != nil {
				log.Printf("concierge: set hostname mapping %s: %v", h, err)
			}
		}
		cs.publishedMappings[h] = ip
	}
}

func (cs *ControlService) unpublishMapping(vmName, containerName string) {
	hostnames := []string{fmt.Sprintf("%s-%s-local", containerName, vmName)}
	if containerName == "penguin" {
		hostnames = append(hostnames, "linuxhost")
	}
	for _, h := range hostnames {
		if cs.resolver != nil {
			if err := cs.resolver.RemoveMapping(h); err != nil {
				log.Printf("concierge: remove hostname mapping %s: %v", h, err)
			}
		}
		delete(cs.publishedMappings, h)
	}
}

// HandleResolverRestart re-publishes every currently-tracked mapping. The
// D-Bus layer calls this on a NameOwnerChanged signal for the resolver's
// well-known name, keeping the mapping set eventually consistent across
// resolver restarts per spec.md §4.4 and the propagation policy of §7.
func (cs *ControlService) HandleResolverRestart() {
	if cs.resolver == nil {
		return
	}
	for h, ip := range cs.publishedMappings {
		if err := cs.resolver.SetMapping(h, ip); err != nil {
			log.Printf("concierge: republish hostname mapping %s: %v", h, err)
		}
	}
}

// UpdateApplicationList resolves the (owner, vm, container) triple from
// the token (never trusting the guest-supplied identity) and forwards the
// entries to the application-registry collaborator.
func (cs *ControlService) UpdateApplicationList(ref PeerRef, req UpdateApplicationListRequest) UpdateApplicationListResponse {
	vm := cs.findVM(ref)
	if vm == nil {
		return UpdateApplicationListResponse{Success: false}
	}
	rec, ok := vm.Tokens.Containers[Token(req.Token)]
	if !ok {
		return UpdateApplicationListResponse{Success: false}
	}
	if cs.appRegistry == nil {
		return UpdateApplicationListResponse{Success: true}
	}
	if err := cs.appRegistry.UpdateApplicationList(vm.OwnerID, vm.Name, rec.Name, req.Apps); err != nil {
		log.Printf("concierge: update application list for %s/%s/%s: %v", vm.OwnerID, vm.Name, rec.Name, err)
		return UpdateApplicationListResponse{Success: false}
	}
	return UpdateApplicationListResponse{Success: true}
}

// ContainerStartupFailed is posted as a non-blocking task so VM boot is
// never blocked on signaling, per spec.md §4.4.
func (cs *ControlService) ContainerStartupFailed(ref PeerRef, req ContainerStartupFailedRequest) {
	vm := cs.findVM(ref)
	if vm == nil {
		log.Printf("concierge: startup failure for unknown cid %d, container %q: %s", ref.CID, req.ContainerName, req.Reason)
		return
	}
	log.Printf("concierge: container %s/%s/%s failed to start: %s", vm.OwnerID, vm.Name, req.ContainerName, req.Reason)
}

// lxdSignalFor maps a guest LXD operation to the host signal name emitted
// per update (spec.md §4.4 "LXD progress signals").
func lxdSignalFor(op LxdOperation) (SignalName, bool) {
	switch op {
	case LxdOpCreate:
		return SignalLxdContainerCreated, true
	case LxdOpStart:
		return SignalLxdContainerStarted, true
	case LxdOpDelete:
		return SignalLxdContainerDeleted, true
	case LxdOpExport:
		return SignalLxdContainerExported, true
	case LxdOpImport:
		return SignalLxdContainerImported, true
	default:
		return "", false
	}
}

// LxdProgress fans out one signal per incremental status update from the
// Tremplin listener.
func (cs *ControlService) LxdProgress(ref PeerRef, req LxdProgressRequest) {
	vm := cs.findVM(ref)
	if vm == nil {
		log.Printf("concierge: lxd progress for unknown cid %d", ref.CID)
		return
	}
	name, ok := lxdSignalFor(req.Operation)
	if !ok {
		log.Printf("concierge: unrecognized lxd operation %q", req.Operation)
		return
	}
	cs.emitSignal(Signal{Name: name, OwnerID: vm.OwnerID, VmName: vm.Name, ContainerName: req.ContainerName, Code: req.ProgressPercent})
}

// VmOpenUrl applies the fixed-window rate limiter to an open-url (or
// open-terminal) request before the caller proceeds.
func (cs *ControlService) VmOpenUrl(ownerID, vmName, url string) error {
	if err := cs.limiter.Allow(); err != nil {
		return err
	}
	_ = ownerID
	_ = vmName
	_ = url
	return nil
}

// LaunchContainerApplication generates a token for a to-be-created
// container and places it in the VM's pending set, mirroring generate_token.
func (cs *ControlService) LaunchContainerApplication(ownerID, vmName, containerName string) (Token, error) {
	vm := cs.registry.Find(ownerID, vmName)
	if vm == nil {
		return "", fmt.Errorf("vm %s/%s not found: %w", ownerID, vmName, vmerr.NotFound)
	}
	return vm.Tokens.GenerateToken(containerName), nil
}

func (cs *ControlService) emitSignal(s Signal) {
	if cs.onSignal != nil {
		cs.onSignal(s)
	}
}

// SetPrimaryOwner records which owner-id is the primary signed-in user, for
// the hostname-mapping scoping rule in spec.md §4.4.
func (cs *ControlService) SetPrimaryOwner(ownerID string) {
	cs.primaryOwnerID = ownerID
}

// SetSignalHandler wires the signal sink after construction, for callers
// (e.g. the D-Bus export) whose signal emitter itself needs a constructed
// ControlService to adapt.
func (cs *ControlService) SetSignalHandler(fn func(Signal)) {
	cs.onSignal = fn
}

// Registry exposes the VmRegistry for read-only inspection (e.g. GetVmInfo
// D-Bus method). Mutation outside Post/PostAsync violates the
// single-threaded dispatch invariant.
func (cs *ControlService) Registry() *VmRegistry {
	return cs.registry
}

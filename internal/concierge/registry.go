package concierge

import (
	"fmt"
	"net"

	"go.chromium.org/vmtools/internal/vmerr"
)

// VmRegistry owns the set of live VmRecords. Every method here is called
// only from the control thread (see ControlService); there is no internal
// locking because single-threaded cooperative dispatch is the concurrency
// model spec.md §4.4/§5 describes.
type VmRegistry struct {
	vms map[vmKey]*VmRecord

	// OnContainerShutdown is invoked once per still-registered container
	// (confirmed or pending) when its owning VM is removed, before the
	// record is deleted. Used by ControlService to synthesize container
	// shutdown signals.
	OnContainerShutdown func(vm *VmRecord, c *ContainerRecord)
}

// NewVmRegistry returns an empty registry.
func NewVmRegistry() *VmRegistry {
	return &VmRegistry{vms: make(map[vmKey]*VmRecord)}
}

// Insert creates a new VmRecord. Fails with vmerr.BadInput (DUPLICATE) if
// (ownerID, name) is already registered.
func (r *VmRegistry) Insert(ownerID, name string, cid uint32, subnet, netmask, ipv4 net.IP) (*VmRecord, error) {
	key := vmKey{ownerID, name}
	if _, ok := r.vms[key]; ok {
		return nil, fmt.Errorf("vm %s/%s already registered: %w", ownerID, name, vmerr.BadInput)
	}
	rec := &VmRecord{
		OwnerID:          ownerID,
		Name:             name,
		CID:              cid,
		ContainerSubnet:  subnet,
		ContainerNetmask: netmask,
		IPv4:             ipv4,
		Status:           StatusStarting,
		Tokens:           NewTokenTable(),
	}
	r.vms[key] = rec
	return rec, nil
}

// Remove synthesizes a shutdown callback for each still-registered
// container, then deletes the record. Resources (subnet/cid/mac) are
// released by the caller, which owns the resource pools.
func (r *VmRegistry) Remove(ownerID, name string) error {
	key := vmKey{ownerID, name}
	rec, ok := r.vms[key]
	if !ok {
		return fmt.Errorf("vm %s/%s not found: %w", ownerID, name, vmerr.NotFound)
	}
	if r.OnContainerShutdown != nil {
		for _, c := range rec.Tokens.Containers {
			r.OnContainerShutdown(rec, c)
		}
		for _, c := range rec.Tokens.PendingContainers {
			r.OnContainerShutdown(rec, c)
		}
	}
	delete(r.vms, key)
	return nil
}

// FindByCID does a linear scan for the VM with the given context-id. cid
// is unique across live VMs, so at most one match exists.
func (r *VmRegistry) FindByCID(cid uint32) *VmRecord {
	for _, rec := range r.vms {
		if rec.CID == cid {
			return rec
		}
	}
	return nil
}

// FindByContainerIP scans for the VM whose container subnet contains ip,
// i.e. ip & netmask == subnet & netmask.
func (r *VmRegistry) FindByContainerIP(ip net.IP) *VmRecord {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	for _, rec := range r.vms {
		subnet := rec.ContainerSubnet.To4()
		mask := rec.ContainerNetmask.To4()
		if subnet == nil || mask == nil {
			continue
		}
		match := true
		for i := 0; i < 4; i++ {
			if ip4[i]&mask[i] != subnet[i]&mask[i] {
				match = false
				break
			}
		}
		if match {
			return rec
		}
	}
	return nil
}

// Find looks up a VM by (ownerID, name); as a compatibility fallback it
// also tries ("", name) if the owner-scoped lookup misses.
func (r *VmRegistry) Find(ownerID, name string) *VmRecord {
	if rec, ok := r.vms[vmKey{ownerID, name}]; ok {
		return rec
	}
	if rec, ok := r.vms[vmKey{"", name}]; ok {
		return rec
	}
	return nil
}

// All returns every registered VmRecord, for shutdown iteration.
func (r *VmRegistry) All() []*VmRecord {
	out := make([]*VmRecord, 0, len(r.vms))
	for _, rec := range r.vms {
		out = append(out, rec)
	}
	return out
}

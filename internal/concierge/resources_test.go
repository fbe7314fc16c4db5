package concierge

import (
	"path/filepath"
	"strconv"
	"testing"
)

func TestAllocateSubnetSkipsReservedIndexZero(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(filepath.Join(dir, "subnet"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	alloc, err := AllocateSubnet(pool)
	if err != nil {
		t.Fatalf("allocate subnet: %v", err)
	}
	if alloc.Index == 0 {
		t.Fatalf("expected index 0 to stay reserved for the platform container")
	}
	if alloc.Network.String() != "100.115.92.4" {
		t.Fatalf("expected first allocation at index 1 (100.115.92.4/30), got %s", alloc.Network)
	}
	if alloc.Gateway.String() != "100.115.92.5" || alloc.Guest.String() != "100.115.92.6" || alloc.Broadcast.String() != "100.115.92.7" {
		t.Fatalf("unexpected /30 layout: %+v", alloc)
	}
}

func TestAllocateSubnetNoDuplicateIndices(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(filepath.Join(dir, "subnet"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		alloc, err := AllocateSubnet(pool)
		if err != nil {
			t.Fatalf("allocate subnet %d: %v", i, err)
		}
		if seen[alloc.Index] {
			t.Fatalf("duplicate subnet index %d", alloc.Index)
		}
		seen[alloc.Index] = true
	}
}

func TestAllocateCIDStartsAtThree(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(filepath.Join(dir, "cid"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	cid, err := AllocateCID(pool)
	if err != nil {
		t.Fatalf("allocate cid: %v", err)
	}
	if cid != 3 {
		t.Fatalf("expected first allocated cid to be 3, got %d", cid)
	}
	ReleaseCID(pool, cid)
	if pool.Has("3") {
		t.Fatalf("expected cid released from pool")
	}
}

func TestAllocateMACLocallyAdministeredAndUnique(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(filepath.Join(dir, "mac"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	macs := make(map[string]bool)
	for i := 0; i < 20; i++ {
		mac, err := AllocateMAC(pool)
		if err != nil {
			t.Fatalf("allocate mac %d: %v", i, err)
		}
		if macs[mac] {
			t.Fatalf("duplicate mac %s", mac)
		}
		macs[mac] = true
		if mac == broadcastMAC {
			t.Fatalf("allocated the broadcast address")
		}
	}
}

func TestPoolPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cid")

	pool, err := OpenPool(path)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	cid, err := AllocateCID(pool)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pool.Close()

	reopened, err := OpenPool(path)
	if err != nil {
		t.Fatalf("reopen pool: %v", err)
	}
	defer reopened.Close()
	if !reopened.Has(strconv.FormatUint(uint64(cid), 10)) {
		t.Fatalf("expected allocation to survive reopen")
	}
}

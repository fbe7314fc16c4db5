package concierge

import (
	"errors"
	"net"
	"testing"

	"go.chromium.org/vmtools/internal/vmerr"
)

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad ip literal %q", s)
	}
	return ip
}

func TestInsertDuplicateRejected(t *testing.T) {
	r := NewVmRegistry()
	subnet := mustIP(t, "100.115.92.4")
	mask := mustIP(t, "255.255.255.252")
	ipv4 := mustIP(t, "100.115.92.6")

	if _, err := r.Insert("owner1", "termina", 3, subnet, mask, ipv4); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := r.Insert("owner1", "termina", 4, subnet, mask, ipv4)
	if err == nil {
		t.Fatalf("expected duplicate rejection")
	}
}

func TestFindByCIDUnique(t *testing.T) {
	r := NewVmRegistry()
	subnet := mustIP(t, "100.115.92.4")
	mask := mustIP(t, "255.255.255.252")
	ipv4 := mustIP(t, "100.115.92.6")
	r.Insert("owner1", "termina", 3, subnet, mask, ipv4)

	if got := r.FindByCID(3); got == nil || got.Name != "termina" {
		t.Fatalf("expected to find termina by cid 3, got %+v", got)
	}
	if got := r.FindByCID(99); got != nil {
		t.Fatalf("expected no match for unknown cid, got %+v", got)
	}
}

func TestFindByContainerIPMatchesSubnet(t *testing.T) {
	r := NewVmRegistry()
	subnet := mustIP(t, "100.115.92.4")
	mask := mustIP(t, "255.255.255.252")
	ipv4 := mustIP(t, "100.115.92.6")
	r.Insert("owner1", "termina", 3, subnet, mask, ipv4)

	inSubnet := mustIP(t, "100.115.92.6")
	if got := r.FindByContainerIP(inSubnet); got == nil {
		t.Fatalf("expected match for ip in subnet")
	}
	outOfSubnet := mustIP(t, "100.115.92.10")
	if got := r.FindByContainerIP(outOfSubnet); got != nil {
		t.Fatalf("expected no match for ip outside subnet, got %+v", got)
	}
}

func TestFindOwnerFallback(t *testing.T) {
	r := NewVmRegistry()
	subnet := mustIP(t, "100.115.92.4")
	mask := mustIP(t, "255.255.255.252")
	ipv4 := mustIP(t, "100.115.92.6")
	r.Insert("", "termina", 3, subnet, mask, ipv4)

	if got := r.Find("someowner", "termina"); got == nil {
		t.Fatalf("expected fallback to (\"\", name) lookup to succeed")
	}
}

func TestRemoveSynthesizesContainerShutdown(t *testing.T) {
	r := NewVmRegistry()
	subnet := mustIP(t, "100.115.92.4")
	mask := mustIP(t, "255.255.255.252")
	ipv4 := mustIP(t, "100.115.92.6")
	rec, _ := r.Insert("owner1", "termina", 3, subnet, mask, ipv4)

	tok1 := rec.Tokens.GenerateToken("penguin")
	rec.Tokens.RegisterContainer(tok1, "3:2000")
	tok2 := rec.Tokens.GenerateToken("other") // still pending

	var shutdowns []string
	r.OnContainerShutdown = func(vm *VmRecord, c *ContainerRecord) {
		shutdowns = append(shutdowns, c.Name)
	}

	if err := r.Remove("owner1", "termina"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(shutdowns) != 2 {
		t.Fatalf("expected shutdown callback for both confirmed and pending containers, got %v", shutdowns)
	}
	if r.Find("owner1", "termina") != nil {
		t.Fatalf("expected vm record to be gone after remove")
	}
	_ = tok2
}

func TestRemoveUnknownVm(t *testing.T) {
	r := NewVmRegistry()
	err := r.Remove("owner1", "nope")
	if err == nil {
		t.Fatalf("expected error removing unknown vm")
	}
	if !errors.Is(err, vmerr.NotFound) {
		t.Fatalf("expected vmerr.NotFound, got %v", err)
	}
}

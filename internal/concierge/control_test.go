package concierge

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.chromium.org/vmtools/internal/vtconfig"
)

type fakeResolver struct {
	mu       sync.Mutex
	mappings map[string]net.IP
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{mappings: make(map[string]net.IP)}
}

func (f *fakeResolver) SetMapping(hostname string, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings[hostname] = ip
	return nil
}

func (f *fakeResolver) RemoveMapping(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mappings, hostname)
	return nil
}

func (f *fakeResolver) has(hostname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mappings[hostname]
	return ok
}

func newTestControlService(t *testing.T, resolver HostnameResolver) (*ControlService, func()) {
	t.Helper()
	cfg := vtconfig.DefaultConfig()
	cfg.OpenURLRateWindow = 15 * time.Second
	cfg.OpenURLRateQuota = 10

	var signals []Signal
	var mu sync.Mutex
	cs := NewControlService(cfg, resolver, nil, func(s Signal) {
		mu.Lock()
		defer mu.Unlock()
		signals = append(signals, s)
	})
	cs.SetPrimaryOwner("owner1")

	ctx, cancel := context.WithCancel(context.Background())
	go cs.Run(ctx)

	return cs, cancel
}

func mustVM(t *testing.T, cs *ControlService) *VmRecord {
	t.Helper()
	var rec *VmRecord
	var err error
	cs.Post(func() {
		rec, err = cs.NotifyVmStarted("owner1", "termina", 3,
			mustIP(t, "100.115.92.4"), mustIP(t, "255.255.255.252"), mustIP(t, "100.115.92.5"))
	})
	if err != nil {
		t.Fatalf("NotifyVmStarted: %v", err)
	}
	return rec
}

func TestRegisterContainerPublishesMapping(t *testing.T) {
	resolver := newFakeResolver()
	cs, cancel := newTestControlService(t, resolver)
	defer cancel()

	vm := mustVM(t, cs)
	var tok Token
	cs.Post(func() { tok = vm.Tokens.GenerateToken("penguin") })

	var resp RegisterContainerResponse
	cs.Post(func() {
		resp = cs.RegisterContainer(PeerRef{CID: 3}, RegisterContainerRequest{
			Token: string(tok), GarconEndpoint: "3:2000", IPv4: "100.115.92.6",
		})
	})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if !resolver.has("penguin-termina-local") {
		t.Fatalf("expected hostname mapping to be published")
	}
	if !resolver.has("linuxhost") {
		t.Fatalf("expected linuxhost alias for default container name")
	}
}

func TestUnregisterContainerRemovesMapping(t *testing.T) {
	resolver := newFakeResolver()
	cs, cancel := newTestControlService(t, resolver)
	defer cancel()

	vm := mustVM(t, cs)
	var tok Token
	cs.Post(func() { tok = vm.Tokens.GenerateToken("penguin") })
	cs.Post(func() {
		cs.RegisterContainer(PeerRef{CID: 3}, RegisterContainerRequest{Token: string(tok), GarconEndpoint: "3:2000", IPv4: "100.115.92.6"})
	})
	if !resolver.has("linuxhost") {
		t.Fatalf("precondition: expected mapping published")
	}

	var resp UnregisterContainerResponse
	cs.Post(func() {
		resp = cs.UnregisterContainer(PeerRef{CID: 3}, UnregisterContainerRequest{Token: string(tok)})
	})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resolver.has("linuxhost") {
		t.Fatalf("expected mapping removed on unregister")
	}
}

func TestRegisterContainerUnknownCID(t *testing.T) {
	cs, cancel := newTestControlService(t, newFakeResolver())
	defer cancel()

	var resp RegisterContainerResponse
	cs.Post(func() {
		resp = cs.RegisterContainer(PeerRef{CID: 99}, RegisterContainerRequest{Token: "x"})
	})
	if resp.Success {
		t.Fatalf("expected failure for unknown cid")
	}
}

func TestNotifyVmStoppedCascadesShutdown(t *testing.T) {
	cs, cancel := newTestControlService(t, newFakeResolver())
	defer cancel()

	vm := mustVM(t, cs)
	cs.Post(func() {
		tok := vm.Tokens.GenerateToken("penguin")
		cs.RegisterContainer(PeerRef{CID: 3}, RegisterContainerRequest{Token: string(tok), GarconEndpoint: "3:2000"})
	})

	var shutdowns []Signal
	cs.Post(func() {
		cs.SetSignalHandler(func(s Signal) {
			if s.Name == SignalContainerShutdown {
				shutdowns = append(shutdowns, s)
			}
		})
	})

	var stopErr error
	cs.Post(func() { stopErr = cs.NotifyVmStopped("owner1", "termina") })
	if stopErr != nil {
		t.Fatalf("NotifyVmStopped: %v", stopErr)
	}
	var found *VmRecord
	cs.Post(func() { found = cs.registry.Find("owner1", "termina") })
	if found != nil {
		t.Fatalf("expected vm removed after stop")
	}
	if len(shutdowns) != 1 || shutdowns[0].ContainerName != "penguin" {
		t.Fatalf("expected one synthesized shutdown signal for penguin, got %+v", shutdowns)
	}
}

func TestLxdProgressMapsOperationToSignal(t *testing.T) {
	name, ok := lxdSignalFor(LxdOpCreate)
	if !ok || name != SignalLxdContainerCreated {
		t.Fatalf("expected create -> LxdContainerCreated, got %v/%v", name, ok)
	}
	if _, ok := lxdSignalFor(LxdOperation("bogus")); ok {
		t.Fatalf("expected unrecognized operation to report ok=false")
	}
}

func TestVmOpenUrlAppliesRateLimit(t *testing.T) {
	cs, cancel := newTestControlService(t, newFakeResolver())
	defer cancel()
	cs.limiter = NewOpenURLLimiter(time.Hour, 1)

	var err1, err2 error
	cs.Post(func() { err1 = cs.VmOpenUrl("owner1", "termina", "https://example.com") })
	cs.Post(func() { err2 = cs.VmOpenUrl("owner1", "termina", "https://example.com") })
	if err1 != nil {
		t.Fatalf("first open-url: expected success, got %v", err1)
	}
	if err2 == nil {
		t.Fatalf("second open-url: expected rate limit rejection")
	}
}

// Package vtconfig holds runtime configuration shared by the vmtools
// binaries (vm_concierge, usb-bouncer, vshd, vsh).
package vtconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds directory layout and tunables for the control service and
// the USB admission tool. Host binaries default under /run; dev/test runs
// override RunDir to a temp directory.
type Config struct {
	// RunDir is the base of the ephemeral per-boot tree, normally /run.
	RunDir string

	// VmRunDir is RunDir/vm, holding one subdirectory per live VM
	// (crosvm.sock, pid, and the mac/subnet/cid/nfs_export pool files).
	VmRunDir string

	// UsbPolicyDir is RunDir/usb_bouncer, holding the global RuleDb file.
	UsbPolicyDir string

	// UsbGlobalDbPath is the global USB allow-list file.
	UsbGlobalDbPath string

	// UsbUserDbDir is the base of per-user daemon-store directories; the
	// actual per-user db path is UsbUserDbDir/<user-hash>/devices.proto.
	UsbUserDbDir string

	// UsbDropInDir holds *.conf files concatenated after the generated
	// allow-list by EntryManager.GenerateRules.
	UsbDropInDir string

	// ContainerListenerPort and TremplinListenerPort are the well-known
	// AF_VSOCK ports the two guest listeners bind.
	ContainerListenerPort uint32
	TremplinListenerPort  uint32

	// VshPort is the well-known AF_VSOCK port the shell forwarder listens
	// on inside the guest.
	VshPort uint32

	// OpenURLRateWindow and OpenURLRateQuota configure the fixed-window
	// open-url/open-terminal rate limiter.
	OpenURLRateWindow time.Duration
	OpenURLRateQuota  int

	// ModeSwitchWindow and UserDbGCThreshold hold the same values as the
	// garbage-collection constants in internal/bouncer. bouncer.Manager
	// does not read these fields.
	ModeSwitchWindow  time.Duration
	UserDbGCThreshold time.Duration

	// TestImage relaxes the chronos-only restriction on the VM shell
	// target, matching spec.md §4.6 step 2.
	TestImage bool
}

// DefaultConfig returns the production directory layout. Callers running
// under test should override RunDir (and the derived paths) to a
// t.TempDir().
func DefaultConfig() *Config {
	runDir := "/run"
	return &Config{
		RunDir:                runDir,
		VmRunDir:              filepath.Join(runDir, "vm"),
		UsbPolicyDir:          filepath.Join(runDir, "usb_bouncer"),
		UsbGlobalDbPath:       filepath.Join(runDir, "usb_bouncer", "devices.proto"),
		UsbUserDbDir:          filepath.Join(runDir, "daemon-store", "usb_bouncer"),
		UsbDropInDir:          "/etc/usbguard/rules.d",
		ContainerListenerPort: 7777,
		TremplinListenerPort:  7778,
		VshPort:               9001,
		OpenURLRateWindow:     15 * time.Second,
		OpenURLRateQuota:      10,
		ModeSwitchWindow:      1 * time.Second,
		UserDbGCThreshold:     (365 / 4) * 24 * time.Hour,
		TestImage:             false,
	}
}

// EnsureDirs creates VmRunDir, UsbPolicyDir and UsbUserDbDir, each with
// mode 0700. UsbDropInDir is not created. The 0600 mode of the rule files
// themselves is applied by ruledb.OpenRuleStore.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.VmRunDir, c.UsbPolicyDir, c.UsbUserDbDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// VmDir returns the ephemeral directory for a single named VM.
func (c *Config) VmDir(name string) string {
	return filepath.Join(c.VmRunDir, name)
}

// UserDbPath returns the per-user RuleDb path for a user-hash, mirroring
// spec.md §6's "/run/daemon-store/usb_bouncer/<user-hash>/devices.proto".
func (c *Config) UserDbPath(userHash string) string {
	return filepath.Join(c.UsbUserDbDir, userHash, "devices.proto")
}

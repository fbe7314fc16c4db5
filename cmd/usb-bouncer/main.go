// usb-bouncer is the privileged CLI front-end for the USB admission
// EntryManager: udev invokes it on add/remove, session_manager invokes it
// on cleanup and userlogin, and "genrules" feeds the generated allow-list
// to the policy daemon.
//
// Commands:
//
//	usb-bouncer cleanup              Run GC (trash window + user-DB age threshold)
//	usb-bouncer genrules              Write the assembled rule file to stdout
//	usb-bouncer udev add <devpath>    Process a udev add event
//	usb-bouncer udev remove <devpath> Process a udev remove event
//	usb-bouncer userlogin             Copy global entries into the user DB
//	usb-bouncer help                  Print usage (exits non-zero)
package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"go.chromium.org/vmtools/internal/bouncer"
	"go.chromium.org/vmtools/internal/fingerprint"
	"go.chromium.org/vmtools/internal/ruledb"
	"go.chromium.org/vmtools/internal/vtconfig"
)

// root holds the global options every subcommand shares: none today, but
// go-flags requires a root options struct to attach commands to.
type root struct{}

type cleanupCmd struct{ mgr *bouncer.Manager }

func (c *cleanupCmd) Execute([]string) error { return c.mgr.GarbageCollect() }

type genrulesCmd struct{ mgr *bouncer.Manager }

func (c *genrulesCmd) Execute([]string) error {
	rules, err := c.mgr.GenerateRules()
	if err != nil {
		return err
	}
	fmt.Print(rules)
	return nil
}

type userloginCmd struct{ mgr *bouncer.Manager }

func (c *userloginCmd) Execute([]string) error { return c.mgr.HandleUserLogin() }

type udevAddCmd struct {
	mgr  *bouncer.Manager
	Args struct {
		Devpath string `positional-arg-name:"devpath" required:"yes"`
	} `positional-args:"yes"`
}

func (c *udevAddCmd) Execute([]string) error {
	return c.mgr.HandleEvent(bouncer.ActionAdd, c.Args.Devpath)
}

type udevRemoveCmd struct {
	mgr  *bouncer.Manager
	Args struct {
		Devpath string `positional-arg-name:"devpath" required:"yes"`
	} `positional-args:"yes"`
}

func (c *udevRemoveCmd) Execute([]string) error {
	return c.mgr.HandleEvent(bouncer.ActionRemove, c.Args.Devpath)
}

func main() {
	cfg := vtconfig.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "usb-bouncer: create directories: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) >= 2 && os.Args[1] == "help" {
		printUsage()
		os.Exit(1)
	}

	mgr, err := newManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usb-bouncer: %v\n", err)
		os.Exit(1)
	}

	var opts root
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

	mustAddCommand(parser, "cleanup", "run garbage collection", &cleanupCmd{mgr: mgr})
	mustAddCommand(parser, "genrules", "write the assembled rule file to stdout", &genrulesCmd{mgr: mgr})
	mustAddCommand(parser, "userlogin", "copy global entries into the user DB", &userloginCmd{mgr: mgr})

	udev, err := parser.AddCommand("udev", "process a udev add/remove event", "", &struct{}{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "usb-bouncer: internal: %v\n", err)
		os.Exit(1)
	}
	mustAddSubCommand(udev, "add", "process a udev add event", &udevAddCmd{mgr: mgr})
	mustAddSubCommand(udev, "remove", "process a udev remove event", &udevRemoveCmd{mgr: mgr})

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "usb-bouncer: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if parser.Active == nil {
		printUsage()
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name, short string, data interface{}) {
	if _, err := parser.AddCommand(name, short, "", data); err != nil {
		fmt.Fprintf(os.Stderr, "usb-bouncer: internal: %v\n", err)
		os.Exit(1)
	}
}

func mustAddSubCommand(parent *flags.Command, name, short string, data interface{}) {
	if _, err := parent.AddCommand(name, short, "", data); err != nil {
		fmt.Fprintf(os.Stderr, "usb-bouncer: internal: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: usb-bouncer <cleanup|genrules|udev add <devpath>|udev remove <devpath>|userlogin|help>")
}

// newManager wires a bouncer.Manager against the global RuleStore and (if
// a real user session is discoverable) the signed-in user's RuleStore.
func newManager(cfg *vtconfig.Config) (*bouncer.Manager, error) {
	global, err := ruledb.OpenRuleStore(cfg.UsbGlobalDbPath)
	if err != nil {
		return nil, fmt.Errorf("open global rule store: %w", err)
	}

	var userStore *ruledb.UserStore
	if hash, ok := currentUserHash(); ok {
		path := cfg.UserDbPath(hash)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create user db dir: %w", err)
		}
		userStore, err = ruledb.OpenUserStore(path)
		if err != nil {
			return nil, fmt.Errorf("open user rule store: %w", err)
		}
	}

	return bouncer.NewManager(global, userStore, sysfsRuleSource{}, cfg.UsbDropInDir), nil
}

// currentUserHash derives the per-user daemon-store directory name. Real
// ChromeOS cryptohome hashing is out of this spec's scope (spec.md §1); we
// fingerprint the invoking user's name, which is stable across invocations
// for the same signed-in session.
func currentUserHash() (string, bool) {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "", false
	}
	return fingerprint.OfString(u.Username), true
}

// sysfsRuleSource derives an allow rule from a device's sysfs vendor/product
// attributes. Real device-tree inspection (serial numbers, interface
// classes) is out of this spec's scope (spec.md §1); this is the minimal
// concrete RuleSource production udev invocations need.
type sysfsRuleSource struct{}

func (sysfsRuleSource) RuleFromDevpath(devpath string) (string, error) {
	base := "/sys" + devpath
	vendor, err := readSysfsAttr(base, "idVendor")
	if err != nil {
		return "", err
	}
	product, err := readSysfsAttr(base, "idProduct")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("allow id %s:%s", vendor, product), nil
}

func readSysfsAttr(base, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(base, attr))
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", base, attr, err)
	}
	var s string
	if _, err := fmt.Sscanf(string(data), "%s", &s); err != nil {
		return "", errors.New("malformed sysfs attribute " + attr)
	}
	return s, nil
}

// vsh is the host-side symmetric peer of vshd: it dials a guest's
// well-known AF_VSOCK shell port, puts the local tty into raw mode, and
// forwards stdio until the remote reports exit.
//
// Usage:
//
//	vsh --cid <cid> [--user <name>] [--no-pty] [-- <argv...>]
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"go.chromium.org/vmtools/internal/vsh"
	"go.chromium.org/vmtools/internal/vsockutil"
	"go.chromium.org/vmtools/internal/vtconfig"
)

type options struct {
	CID    uint32 `long:"cid" description:"AF_VSOCK context-id of the target VM" required:"yes"`
	Target string `long:"target" description:"shell target (e.g. a container name, or the VM-shell target)" default:"container"`
	User   string `long:"user" description:"user to run the shell as" default:"chronos"`
	NoPty  bool   `long:"no-pty" description:"run non-interactively over pipes instead of a pty"`
	Args   struct {
		Argv []string `positional-arg-name:"argv"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "vsh: %v\n", err)
		os.Exit(1)
	}

	cfg := vtconfig.DefaultConfig()

	conn, err := vsockutil.Dial(opts.CID, cfg.VshPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsh: dial cid %d port %d: %v\n", opts.CID, cfg.VshPort, err)
		os.Exit(1)
	}
	defer conn.Close()

	client := &vsh.Client{
		Target: opts.Target,
		User:   opts.User,
		NoPty:  opts.NoPty,
		Argv:   opts.Args.Argv,
	}

	code, err := client.Run(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsh: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

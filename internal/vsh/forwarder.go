package vsh

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kr/pty"
	"golang.org/x/sys/unix"
)

// IdentityResolver decides which local user a SetupConnectionRequest may
// run as. ChronosOnlyTarget is the VM-shell target name that, outside a
// test image, only the default chronos user may use.
type IdentityResolver struct {
	ChronosOnlyTarget string
	TestImage         bool
}

// Resolve implements spec.md §4.6 step 2: look up the requested user,
// enforcing the chronos-only restriction for the VM-shell target and the
// "only root may switch uid" rule.
func (r IdentityResolver) Resolve(target, username string) (*user.User, error) {
	if target == r.ChronosOnlyTarget && !r.TestImage && username != "chronos" {
		return nil, fmt.Errorf("only chronos may use target %q on a non-test image", target)
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("bad uid for %q: %w", username, err)
	}
	if os.Geteuid() != uid && os.Geteuid() != 0 {
		return nil, fmt.Errorf("cannot switch to uid %d: not running as root", uid)
	}
	return u, nil
}

// Session is one forwarded shell session: an accepted socket paired with
// either a pty or a trio of pipes, and the forked target process.
type Session struct {
	conn        net.Conn
	interactive bool

	ptyMaster *os.File // interactive
	stdinW    *os.File // non-interactive
	stdoutR   *os.File
	stderrR   *os.File

	cmd *exec.Cmd

	mu         sync.Mutex
	exitCode   int
	exitKnown  bool
}

// ForwarderConfig configures PtyForwarder.Accept.
type ForwarderConfig struct {
	Resolver IdentityResolver
}

// Accept performs the full connection-setup handshake on conn and, on
// success, runs the multiplex loop until the session terminates. It never
// returns until the session ends, matching the event-loop-per-connection
// model spec.md §4.6/§5 describes (the caller spawns one goroutine per
// accepted connection).
func Accept(ctx context.Context, conn net.Conn, cfg ForwarderConfig) {
	defer conn.Close()

	_, raw, err := ReadFrame(conn)
	if err != nil {
		log.Printf("vsh: read setup request: %v", err)
		return
	}
	req, err := DecodeSetupConnectionRequest(raw)
	if err != nil {
		log.Printf("vsh: decode setup request: %v", err)
		return
	}

	u, err := cfg.Resolver.Resolve(req.Target, req.User)
	if err != nil {
		WriteFrame(conn, MsgSetupConnectionResponse, SetupConnectionResponse{Status: StatusFailed, Description: err.Error()})
		return
	}

	sess, err := startSession(conn, req, u)
	if err != nil {
		WriteFrame(conn, MsgSetupConnectionResponse, SetupConnectionResponse{Status: StatusFailed, Description: err.Error()})
		return
	}

	if err := WriteFrame(conn, MsgSetupConnectionResponse, SetupConnectionResponse{Status: StatusReady}); err != nil {
		log.Printf("vsh: reply READY: %v", err)
		return
	}

	sess.run(ctx)
}

func startSession(conn net.Conn, req SetupConnectionRequest, u *user.User) (*Session, error) {
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	argv := req.Argv
	loginShell := loginShellFor(u)
	if len(argv) == 0 {
		argv = []string{"-" + loginShell}
	}

	env := buildChildEnv(req.Env, u, loginShell)

	interactive := !req.NoPty

	cmd := exec.Command(argvPath(argv, loginShell), argvArgs(argv)...)
	cmd.Dir = homeDirOrRoot(u.HomeDir)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	sess := &Session{conn: conn, interactive: interactive, cmd: cmd}

	if interactive {
		// pty.StartWithSize sets Setctty/Setsid on cmd.SysProcAttr (preserving
		// the Credential already set above), allocates the pty pair, wires
		// the slave to the child's stdio, and starts the process.
		master, err := pty.StartWithSize(cmd, &pty.Winsize{
			Rows: clampWinsize(req.WindowRows),
			Cols: clampWinsize(req.WindowCols),
		})
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		sess.ptyMaster = master
	} else {
		cmd.SysProcAttr.Setsid = true
		stdinW, stdinR, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start process: %w", err)
		}
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
		sess.stdinW, sess.stdoutR, sess.stderrR = stdinW, stdoutR, stderrR
	}

	return sess, nil
}

func clampWinsize(v uint16) uint16 {
	if v == 0 {
		return 24
	}
	return v
}

func loginShellFor(u *user.User) string {
	// os/user does not expose the shell field portably, so this is always
	// /bin/sh. A SHELL value in the request env does not change it:
	// buildChildEnv overwrites SHELL with this value.
	return "/bin/sh"
}

func homeDirOrRoot(home string) string {
	if home == "" {
		return "/"
	}
	if _, err := os.Stat(home); err != nil {
		return "/"
	}
	return home
}

func buildChildEnv(reqEnv map[string]string, u *user.User, loginShell string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range reqEnv {
		merged[k] = v
	}
	merged["SHELL"] = loginShell
	merged["HOME"] = u.HomeDir
	if _, ok := merged["TERM"]; !ok {
		merged["TERM"] = "linux"
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func argvPath(argv []string, loginShell string) string {
	if len(argv) == 0 {
		return loginShell
	}
	if strings.HasPrefix(argv[0], "-") {
		return loginShell
	}
	return argv[0]
}

func argvArgs(argv []string) []string {
	if len(argv) <= 1 {
		return nil
	}
	return argv[1:]
}

// outChunk is one piece of output pumped from the pty master or a pipe.
type outChunk struct {
	stream Stream
	data   []byte
	eof    bool
}

// run multiplexes socket<->pty/pipes until the child exits and all output
// drains, or the peer closes the connection, or a fatal protocol error
// occurs.
func (s *Session) run(ctx context.Context) {
	type inbound struct {
		typ MessageType
		raw []byte
	}
	socketIn := make(chan inbound)
	socketErr := make(chan error, 1)
	go func() {
		for {
			typ, raw, err := ReadFrame(s.conn)
			if err != nil {
				socketErr <- err
				return
			}
			socketIn <- inbound{typ, raw}
		}
	}()

	outCh := make(chan outChunk)
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	stdoutFd := s.ptyMaster
	if !s.interactive {
		stdoutFd = s.stdoutR
	}
	go pumpOutput(stdoutFd, StreamStdout, outCh, stdoutDone)

	var stderrActive bool
	if !s.interactive {
		stderrActive = true
		go pumpOutput(s.stderrR, StreamStderr, outCh, stderrDone)
	} else {
		close(stderrDone)
	}

	// The child is reaped by the goroutine below via Process.Wait, which
	// works regardless of SIGCHLD delivery; no signalfd-style handler is
	// needed in the Go runtime.
	waitDone := make(chan *os.ProcessState, 1)
	go func() {
		state, _ := s.cmd.Process.Wait()
		waitDone <- state
	}()

	stdoutOpen, stderrOpen := true, stderrActive
	exitPending := false
	var exitCode int

	finish := func() {
		if s.interactive {
			s.ptyMaster.Close()
		} else {
			s.stdinW.Close()
			s.stdoutR.Close()
			s.stderrR.Close()
		}
		WriteFrame(s.conn, MsgConnectionStatusMessage, ConnectionStatusMessage{Status: StatusExited, Code: exitCode})
		s.conn.Close()
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return

		case err := <-socketErr:
			if err == io.EOF {
				finish()
				return
			}
			finish()
			return

		case in := <-socketIn:
			switch in.typ {
			case MsgDataMessage:
				dm, err := DecodeDataMessage(in.raw)
				if err != nil {
					continue
				}
				if dm.Stream != StreamStdin {
					continue
				}
				if len(dm.Data) == 0 {
					if s.interactive {
						writeAll(s.ptyMaster, []byte{0x04}) // EOT via line discipline
					} else {
						s.stdinW.Close()
					}
					continue
				}
				if s.interactive {
					writeAll(s.ptyMaster, dm.Data)
				} else {
					writeAll(s.stdinW, dm.Data)
				}
			case MsgWindowResizeMessage:
				wr, err := DecodeWindowResizeMessage(in.raw)
				if err != nil {
					continue
				}
				if s.interactive {
					setWinsize(s.ptyMaster, wr.Rows, wr.Cols)
				}
			case MsgConnectionStatusMessage:
				cs, err := DecodeConnectionStatusMessage(in.raw)
				if err == nil && cs.Status == StatusExited {
					finish()
					return
				}
			}

		case chunk := <-outCh:
			if chunk.eof {
				if chunk.stream == StreamStdout {
					stdoutOpen = false
				} else {
					stderrOpen = false
				}
				if exitPending && !stdoutOpen && !stderrOpen {
					finish()
					return
				}
				continue
			}
			WriteFrame(s.conn, MsgDataMessage, DataMessage{Stream: chunk.stream, Data: chunk.data})

		case state := <-waitDone:
			exitPending = true
			exitCode = exitCodeFromState(state)
			if !stdoutOpen && !stderrOpen {
				finish()
				return
			}
		}
	}
}

func pumpOutput(f *os.File, stream Stream, out chan<- outChunk, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, MaxDataPayload)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- outChunk{stream, chunk, false}
		}
		if err != nil {
			// EIO from a pty whose slave closed before SIGCHLD is processed
			// is treated as a normal EOF, per spec.md §4.6 edge cases.
			out <- outChunk{stream, nil, true}
			return
		}
	}
}

func writeAll(f *os.File, data []byte) {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return
		}
		data = data[n:]
	}
}

func setWinsize(f *os.File, rows, cols uint16) {
	ws := &unix.Winsize{Row: rows, Col: cols}
	unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, ws)
}

func exitCodeFromState(state *os.ProcessState) int {
	if state == nil {
		return 123
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Exited() {
			return ws.ExitStatus()
		}
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return 123
}

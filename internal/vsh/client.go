package vsh

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// defaultExitCode is used when the connection ends without a proper
// EXITED status, per spec.md §4.7.
const defaultExitCode = 123

// Client is the host-side symmetric peer (vsh): it puts the local tty into
// raw mode, sends the setup request, and forwards stdio until the remote
// signals exit.
type Client struct {
	Target     string
	User       string
	NoPty      bool
	Env        map[string]string
	Argv       []string
}

// Run connects the session over conn and blocks until it ends, returning
// the remote's exit code.
func (c *Client) Run(conn net.Conn) (int, error) {
	restore, rows, cols, err := makeRaw()
	if err != nil {
		return 0, fmt.Errorf("raw mode: %w", err)
	}
	defer restore()

	req := SetupConnectionRequest{
		Target:     c.Target,
		User:       c.User,
		NoPty:      c.NoPty,
		Env:        c.Env,
		Argv:       c.Argv,
		WindowRows: rows,
		WindowCols: cols,
	}
	if err := WriteFrame(conn, MsgSetupConnectionRequest, req); err != nil {
		return 0, fmt.Errorf("send setup request: %w", err)
	}

	_, raw, err := ReadFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("read setup response: %w", err)
	}
	resp, err := DecodeSetupConnectionResponse(raw)
	if err != nil {
		return 0, err
	}
	if resp.Status != StatusReady {
		return 0, fmt.Errorf("setup failed: %s", resp.Description)
	}

	return c.loop(conn)
}

func (c *Client) loop(conn net.Conn) (int, error) {
	stdinCh := make(chan []byte)
	go func() {
		buf := make([]byte, MaxDataPayload)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				stdinCh <- chunk
			}
			if err != nil {
				stdinCh <- nil // EOF sentinel
				return
			}
		}
	}()

	type frame struct {
		typ MessageType
		raw []byte
	}
	remoteCh := make(chan frame)
	remoteErr := make(chan error, 1)
	go func() {
		for {
			typ, raw, err := ReadFrame(conn)
			if err != nil {
				remoteErr <- err
				return
			}
			remoteCh <- frame{typ, raw}
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	termSig := make(chan os.Signal, 1)
	signal.Notify(termSig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(termSig)

	exitCode := defaultExitCode
	for {
		select {
		case data := <-stdinCh:
			if data == nil {
				WriteFrame(conn, MsgDataMessage, DataMessage{Stream: StreamStdin, Data: nil})
				continue
			}
			WriteFrame(conn, MsgDataMessage, DataMessage{Stream: StreamStdin, Data: data})

		case <-winch:
			if rows, cols, err := getSize(); err == nil {
				WriteFrame(conn, MsgWindowResizeMessage, WindowResizeMessage{Rows: rows, Cols: cols})
			}

		case <-termSig:
			return exitCode, nil

		case f := <-remoteCh:
			switch f.typ {
			case MsgDataMessage:
				dm, err := DecodeDataMessage(f.raw)
				if err != nil {
					continue
				}
				target := os.Stdout
				if dm.Stream == StreamStderr {
					target = os.Stderr
				}
				if len(dm.Data) == 0 {
					target.Close()
					continue
				}
				target.Write(dm.Data)
			case MsgConnectionStatusMessage:
				cs, err := DecodeConnectionStatusMessage(f.raw)
				if err == nil && cs.Status == StatusExited {
					return cs.Code, nil
				}
			}

		case err := <-remoteErr:
			_ = err
			return exitCode, nil
		}
	}
}

func makeRaw() (restore func(), rows, cols uint16, err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, 24, 80, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, 0, 0, err
	}
	r, c, getErr := getSize()
	if getErr != nil {
		r, c = 24, 80
	}
	return func() { term.Restore(fd, old) }, r, c, nil
}

func getSize() (rows, cols uint16, err error) {
	fd := int(os.Stdin.Fd())
	c, r, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, err
	}
	return uint16(r), uint16(c), nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/termdeck/termdeck/internal/protocol"
)

// detachKey is Ctrl+Q.
const detachKey = 0x11

// attachConn is the part of daemon.Client an attached terminal uses.
type attachConn interface {
	SendInput(ref string, data []byte) error
	Resize(ref string, cols, rows uint16) error
	Pushes() <-chan protocol.Message
	Done() <-chan struct{}
}

type attachEnd int

const (
	endDetached attachEnd = iota
	endExited
	endDisconnected
)

// attachLoop pumps stdin to the session and session output to stdout until
// the user detaches, the shell exits or the daemon goes away.
type attachLoop struct {
	conn   attachConn
	id     string
	in     io.Reader
	out    io.Writer
	resize <-chan [2]uint16
}

func (a *attachLoop) run() (attachEnd, int, error) {
	detach := make(chan struct{})
	inErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := a.in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				cut := -1
				for i, b := range chunk {
					if b == detachKey {
						cut = i
						break
					}
				}
				if cut >= 0 {
					if cut > 0 {
						_ = a.conn.SendInput(a.id, append([]byte(nil), chunk[:cut]...))
					}
					close(detach)
					return
				}
				if serr := a.conn.SendInput(a.id, append([]byte(nil), chunk...)); serr != nil {
					inErr <- serr
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					inErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-detach:
			return endDetached, 0, nil
		case err := <-inErr:
			return endDisconnected, 0, err
		case size, ok := <-a.resize:
			if !ok {
				a.resize = nil
				continue
			}
			_ = a.conn.Resize(a.id, size[0], size[1])
		case m, ok := <-a.conn.Pushes():
			if !ok {
				return endDisconnected, 0, nil
			}
			if m.ID != a.id {
				continue
			}
			switch m.Type {
			case protocol.TypeSessionOutput:
				if _, err := a.out.Write(m.Data); err != nil {
					return endDisconnected, 0, err
				}
			case protocol.TypeSessionExited:
				return endExited, m.Code, nil
			}
		case <-a.conn.Done():
			return endDisconnected, 0, nil
		}
	}
}

// watchSize sends the terminal size now and on every SIGWINCH until ctx ends.
func watchSize(ctx context.Context, fd int) <-chan [2]uint16 {
	ch := make(chan [2]uint16, 1)
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	sigwinch <- syscall.SIGWINCH
	go func() {
		defer signal.Stop(sigwinch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigwinch:
				cols, rows, err := term.GetSize(fd)
				if err != nil || cols <= 0 || rows <= 0 {
					continue
				}
				select {
				case ch <- [2]uint16{uint16(cols), uint16(rows)}:
				default:
				}
			}
		}
	}()
	return ch
}

func handleAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Println("Usage: termdeck attach [session]")
		fmt.Println()
		fmt.Println("Attach this terminal to a session (the active one by default).")
		fmt.Println("Press Ctrl+Q to detach; the shell keeps running.")
	}
	parseFlags(fs, args)
	out := NewCLIOutput(false, false)

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		out.Error("attach needs an interactive terminal", ErrCodeInvalidOperation)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := dialDaemon(dialCtx)
	if err != nil {
		dialCancel()
		out.Fail(err)
	}
	defer c.Close()

	id, scrollback, err := c.Attach(dialCtx, fs.Arg(0))
	dialCancel()
	if err != nil {
		c.Close()
		out.Fail(err)
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		c.Close()
		out.Fail(fmt.Errorf("failed to set raw mode: %w", err))
	}
	_, _ = os.Stdout.Write(scrollback)

	loop := &attachLoop{
		conn:   c,
		id:     id,
		in:     os.Stdin,
		out:    os.Stdout,
		resize: watchSize(ctx, int(os.Stdout.Fd())),
	}
	end, code, runErr := loop.run()
	_ = term.Restore(stdinFd, oldState)

	switch end {
	case endDetached:
		detachCtx, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.Detach(detachCtx, id)
		detachCancel()
		fmt.Printf("\r\n%s detached from %s\n", bulletSymbol, shortID(id))
	case endExited:
		fmt.Printf("\r\n%s shell exited with code %d\n", bulletSymbol, code)
	default:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "\r\nError: %v\n", runErr)
		} else {
			fmt.Fprintln(os.Stderr, "\r\nError: daemon connection closed")
		}
		c.Close()
		os.Exit(1)
	}
}

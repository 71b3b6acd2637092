// Package interactive provides the interactive command-line interface
// for duplex-echo clients.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/duplex-tls/duplex-go/pkg/duplex"
)

// Client sends typed lines over a stream while a background reader prints
// whatever the peer sends back.
type Client struct {
	s   *duplex.Stream
	rl  *readline.Instance
	out io.Writer
}

// New creates a new interactive client for s.
func New(s *duplex.Stream) (*Client, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "duplex> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Client{s: s, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (c *Client) Stdout() io.Writer {
	return c.out
}

// Run starts the receiver and the command loop. It returns when the user
// quits, input ends, or ctx is done.
func (c *Client) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	go c.receive()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.dispatch(line) {
			cancel()
			return
		}
	}
}

// receive prints everything the peer sends until the stream ends.
func (c *Client) receive() {
	buf := make([]byte, 4096)
	for {
		n, err := c.s.Read(buf)
		if n > 0 {
			fmt.Fprintf(c.out, "< %s\n", strings.TrimRight(string(buf[:n]), "\n"))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			fmt.Fprintln(c.out, "peer closed its side")
			return
		case errors.Is(err, duplex.ErrClosed):
			return
		default:
			fmt.Fprintf(c.out, "read failed: %v\n", err)
			return
		}
	}
}

// dispatch runs one input line and reports whether the loop should end.
// Lines that are not commands are sent as they are.
func (c *Client) dispatch(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	cmd, rest, _ := strings.Cut(input, " ")
	switch strings.ToLower(cmd) {
	case "help", "?":
		c.printHelp()

	case "send", "s":
		c.cmdSend(rest)

	case "flush", "f":
		c.report("flush", c.s.Flush())

	case "rekey", "k":
		c.report("key update", c.s.UpdateKeys())

	case "state":
		fmt.Fprintf(c.out, "%s (%s)\n", c.s.State(), c.s.ID())

	case "stats":
		fmt.Fprintln(c.out, c.s.Stats())

	case "shutdown":
		c.report("shutdown", c.s.Shutdown())

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true

	default:
		c.cmdSend(input)
	}
	return false
}

func (c *Client) cmdSend(text string) {
	if text == "" {
		fmt.Fprintln(c.out, "Usage: send <text>")
		return
	}
	n, err := c.s.WriteAll([]byte(text + "\n"))
	if err != nil {
		fmt.Fprintf(c.out, "send failed after %d bytes: %v\n", n, err)
	}
}

func (c *Client) report(what string, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "%s failed: %v\n", what, err)
		return
	}
	fmt.Fprintf(c.out, "%s done\n", what)
}

func (c *Client) printHelp() {
	fmt.Fprintln(c.out, `
Duplex Echo Commands:
  send <text>  - Send a line (plain input is sent too)
  flush        - Wait until queued bytes reach the transport
  rekey        - Rotate traffic keys
  state        - Show the stream state
  stats        - Show stream counters
  shutdown     - Send the close notification
  quit         - Exit`)
}

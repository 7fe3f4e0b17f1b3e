// Package console reads text commands line by line from a terminal or a
// serial port and prints the controller's replies.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tarm/serial"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/logic/leveling"
)

// maxLine bounds one console line.
const maxLine = 1024

// Console forwards each input line to the control loop as a "serial" command,
// so the line is parsed against the controller's current mode.
type Console struct {
	name     string
	in       io.Reader
	requests chan<- leveling.Request

	mu  sync.Mutex
	out io.Writer
}

// New creates a console reading from in and replying on out.
func New(name string, in io.Reader, out io.Writer, requests chan<- leveling.Request) *Console {
	return &Console{name: name, in: in, out: out, requests: requests}
}

// OpenSerial opens a serial port in blocking mode (8N1).
func OpenSerial(port string, baud int) (*serial.Port, error) {
	cfg := &serial.Config{Name: port, Baud: baud, Parity: serial.ParityNone, Size: 8, StopBits: serial.Stop1}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	return p, nil
}

// Write implements io.Writer so controller output can be mirrored to the console.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *Console) reply(r leveling.Reply) {
	text := r.Text
	if !r.OK {
		text = "ERROR: " + text
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	c.Write([]byte(text))
}

// Run reads lines until the reader is exhausted or ctx is cancelled.
// A blocking reader is only released by closing it.
func (c *Console) Run(ctx context.Context) error {
	sc := bufio.NewScanner(c.in)
	sc.Buffer(make([]byte, 0, maxLine), maxLine)
	debug.Info("Console %s ready, type 'help'", c.name)

	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimRight(sc.Text(), "\r"))
		if line == "" {
			continue
		}
		debug.Trace("%s < %q", c.name, line)
		req := leveling.Request{
			Command: leveling.Command{Cmd: leveling.CmdSerial, Text: line},
			Source:  c.name,
			Done:    c.reply,
		}
		select {
		case c.requests <- req:
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console %s: %w", c.name, err)
	}
	return nil
}

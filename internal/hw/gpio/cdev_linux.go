//go:build linux

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

const cdevConsumer = "leveler"

// CdevDriver drives BCM GPIOs through the Linux GPIO character device.
// Lines are looked up by their "GPIO<n>" name so it works on Pi 5 where
// the header is not on gpiochip0.
type CdevDriver struct {
	chips []string
	open  map[string]*gpiocdev.Chip
	lines map[int]*gpiocdev.Line
	modes map[int]PinMode
}

func NewCdevDriver() (*CdevDriver, error) {
	debug.Info("Initializing GPIO character device driver (go-gpiocdev)")

	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			p := filepath.Join("/dev", name)
			if p != candidates[0] && p != candidates[1] {
				candidates = append(candidates, p)
			}
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("gpio: no gpiochip devices found")
	}
	return &CdevDriver{
		chips: candidates,
		open:  make(map[string]*gpiocdev.Chip),
		lines: make(map[int]*gpiocdev.Line),
		modes: make(map[int]PinMode),
	}, nil
}

func (c *CdevDriver) chip(path string) (*gpiocdev.Chip, error) {
	if ch, ok := c.open[path]; ok {
		return ch, nil
	}
	ch, err := gpiocdev.NewChip(path)
	if err != nil {
		return nil, err
	}
	c.open[path] = ch
	return ch, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	if l, ok := c.lines[pin]; ok {
		_ = l.Close()
		delete(c.lines, pin)
	}

	var opts []gpiocdev.LineReqOption
	switch mode {
	case Input:
		opts = append(opts, gpiocdev.AsInput)
	case InputPullUp:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullUp)
	case Output:
		opts = append(opts, gpiocdev.AsOutput(0))
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	opts = append(opts, gpiocdev.WithConsumer(cdevConsumer))

	lineName := fmt.Sprintf("GPIO%d", pin)
	for _, path := range c.chips {
		ch, err := c.chip(path)
		if err != nil {
			continue
		}
		offset, err := ch.FindLine(lineName)
		if err != nil {
			continue
		}
		line, err := ch.RequestLine(offset, opts...)
		if err != nil {
			continue
		}
		c.lines[pin] = line
		c.modes[pin] = mode
		return nil
	}
	return fmt.Errorf("gpio: line %q not found (or busy)", lineName)
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	line, ok := c.lines[pin]
	if !ok || c.modes[pin] != Output {
		if err := c.SetupPin(pin, Output); err != nil {
			return err
		}
		line = c.lines[pin]
	}
	v := 0
	if level == High {
		v = 1
	}
	return line.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	line, ok := c.lines[pin]
	if !ok {
		if err := c.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		line = c.lines[pin]
	}
	v, err := line.Value()
	if err != nil {
		return Low, err
	}
	debug.GPIO("ReadPin", pin, v)
	return Level(v != 0), nil
}

func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")

	var firstErr error
	for pin, line := range c.lines {
		if c.modes[pin] == Output {
			_ = line.SetValue(0)
		}
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ch := range c.open {
		_ = ch.Close()
	}
	c.lines = map[int]*gpiocdev.Line{}
	c.open = map[string]*gpiocdev.Chip{}
	return firstErr
}

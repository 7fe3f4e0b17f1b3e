// Package button turns a momentary push button on a GPIO input into
// debounced short and long press events.
package button

import (
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/gpio"
)

const (
	DefaultDebounce  = 50 * time.Millisecond
	DefaultLongPress = 2 * time.Second
)

// Event is the outcome of one Update.
type Event int

const (
	None Event = iota
	Short
	Long
)

func (e Event) String() string {
	switch e {
	case Short:
		return "short"
	case Long:
		return "long"
	default:
		return "none"
	}
}

// Config describes the wiring of the button.
type Config struct {
	Pin int
	// ActiveLow is set for a button pulling the pin to ground.
	ActiveLow bool
	Debounce  time.Duration
	LongPress time.Duration
}

// Button tracks the debounced state of one input.
type Button struct {
	g   gpio.Driver
	cfg Config

	raw        bool
	rawSince   time.Time
	pressed    bool
	pressedAt  time.Time
	longFired  bool
	lastErrLog time.Time
}

// New configures the pin as an input (with pull-up when active low).
func New(g gpio.Driver, cfg Config) (*Button, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.LongPress <= 0 {
		cfg.LongPress = DefaultLongPress
	}
	mode := gpio.Input
	if cfg.ActiveLow {
		mode = gpio.InputPullUp
	}
	if err := g.SetupPin(cfg.Pin, mode); err != nil {
		return nil, err
	}
	debug.Verbose("Button on GPIO%d (active low=%v)", cfg.Pin, cfg.ActiveLow)
	return &Button{g: g, cfg: cfg}, nil
}

// Update samples the pin. A Long event fires once while the button is
// still held; Short fires on release only when no Long fired for that press.
func (b *Button) Update(now time.Time) Event {
	lvl, err := b.g.ReadPin(b.cfg.Pin)
	if err != nil {
		if now.Sub(b.lastErrLog) > time.Second {
			debug.Warn("Button: read GPIO%d: %v", b.cfg.Pin, err)
			b.lastErrLog = now
		}
		return None
	}
	raw := lvl == gpio.High
	if b.cfg.ActiveLow {
		raw = !raw
	}

	if raw != b.raw {
		b.raw = raw
		b.rawSince = now
	}

	if raw != b.pressed && now.Sub(b.rawSince) >= b.cfg.Debounce {
		b.pressed = raw
		if raw {
			b.pressedAt = now
			b.longFired = false
			debug.Trace("Button: pressed")
		} else {
			debug.Trace("Button: released after %v", now.Sub(b.pressedAt))
			if !b.longFired {
				return Short
			}
		}
	}

	if b.pressed && !b.longFired && now.Sub(b.pressedAt) >= b.cfg.LongPress {
		b.longFired = true
		return Long
	}
	return None
}

// Pressed reports the debounced state.
func (b *Button) Pressed() bool { return b.pressed }

// Pin returns the GPIO line the button is wired to.
func (b *Button) Pin() int { return b.cfg.Pin }

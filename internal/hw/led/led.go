// Package led renders status patterns on a single indicator LED.
package led

import (
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/gpio"
)

// Pattern is a blink pattern.
type Pattern int

const (
	Off Pattern = iota
	Solid
	SlowBlink
	FastBlink
	DoublePulse
	ErrorBlink
)

// Blink timings.
const (
	SlowHalfPeriod  = 500 * time.Millisecond
	FastHalfPeriod  = 125 * time.Millisecond
	ErrorHalfPeriod = 50 * time.Millisecond
	PulsePeriod     = 2000 * time.Millisecond
	PulseOn         = 100 * time.Millisecond
)

var names = map[Pattern]string{
	Off:         "off",
	Solid:       "solid",
	SlowBlink:   "slow",
	FastBlink:   "fast",
	DoublePulse: "pulse",
	ErrorBlink:  "error",
}

func (p Pattern) String() string {
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

// Patterns lists every pattern in display order.
func Patterns() []Pattern {
	return []Pattern{Off, Solid, SlowBlink, FastBlink, DoublePulse, ErrorBlink}
}

// ParsePattern accepts a pattern name; "on" is an alias of solid.
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "on" {
		return Solid, nil
	}
	for p, n := range names {
		if n == s {
			return p, nil
		}
	}
	return Off, fmt.Errorf("unknown led pattern %q", s)
}

// Lit reports whether pattern p is on at elapsed time since it started.
func Lit(p Pattern, elapsed time.Duration) bool {
	switch p {
	case Solid:
		return true
	case SlowBlink:
		return (elapsed/SlowHalfPeriod)%2 == 0
	case FastBlink:
		return (elapsed/FastHalfPeriod)%2 == 0
	case ErrorBlink:
		return (elapsed/ErrorHalfPeriod)%2 == 0
	case DoublePulse:
		ph := elapsed % PulsePeriod
		return ph < PulseOn || (ph >= 2*PulseOn && ph < 3*PulseOn)
	default:
		return false
	}
}

// Indicator drives one LED.
type Indicator struct {
	g         gpio.Driver
	pin       int
	activeLow bool

	pattern Pattern
	since   time.Time
	restart bool
	lit     bool
	written bool
}

// New configures pin as an output and switches the LED off.
func New(g gpio.Driver, pin int, activeLow bool) (*Indicator, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	ind := &Indicator{g: g, pin: pin, activeLow: activeLow, restart: true}
	ind.write(false)
	return ind, nil
}

// SetPattern switches pattern. Setting the active pattern again keeps its phase.
func (i *Indicator) SetPattern(p Pattern) {
	if p == i.pattern && !i.restart {
		return
	}
	debug.Verbose("LED: %s -> %s", i.pattern, p)
	i.pattern = p
	i.restart = true
}

// Pattern returns the active pattern.
func (i *Indicator) Pattern() Pattern { return i.pattern }

// Update renders the pattern at now. Call it every loop iteration.
func (i *Indicator) Update(now time.Time) {
	if i.restart {
		i.since = now
		i.restart = false
	}
	on := Lit(i.pattern, now.Sub(i.since))
	if on != i.lit || !i.written {
		i.write(on)
	}
}

// Lit reports the current LED output.
func (i *Indicator) Lit() bool { return i.lit }

func (i *Indicator) write(on bool) {
	lvl := gpio.Level(on)
	if i.activeLow {
		lvl = !lvl
	}
	if err := i.g.WritePin(i.pin, lvl); err != nil {
		debug.Warn("LED: write GPIO%d: %v", i.pin, err)
		return
	}
	i.lit = on
	i.written = true
}

// Close switches the LED off. The pin stays configured.
func (i *Indicator) Close() error {
	i.pattern = Off
	i.write(false)
	return nil
}

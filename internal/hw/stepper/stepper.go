package stepper

import (
	"fmt"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/gpio"
)

// Coils is the number of driver inputs (IN1..IN4 on a ULN2003 board).
const Coils = 4

// Phases is the length of the half-step sequence.
const Phases = 8

// halfStep energizes one or two adjacent coils per phase; bit i drives IN(i+1).
var halfStep = [Phases]uint8{
	0b0001,
	0b0011,
	0b0010,
	0b0110,
	0b0100,
	0b1100,
	0b1000,
	0b1001,
}

// Default travel window: one output revolution each way keeps the leg on its thread.
const (
	DefaultMinPosition = -2048
	DefaultMaxPosition = 2048
)

// Limits is the allowed [Min, Max] position window.
type Limits struct {
	Min int64
	Max int64
}

// DefaultLimits returns the safety window.
func DefaultLimits() Limits {
	return Limits{Min: DefaultMinPosition, Max: DefaultMaxPosition}
}

// Contains reports whether p lies within the window.
func (l Limits) Contains(p int64) bool {
	return p >= l.Min && p <= l.Max
}

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name   string
	Pins   [Coils]int // BCM numbers of IN1..IN4
	Limits Limits
}

// Motor drives one 28BYJ-48 through a ULN2003 with the half-step sequence
// and keeps an absolute position counter. A step that would leave the
// limit window is dropped: no coil changes, no counter change.
type Motor struct {
	gpio     gpio.Driver
	cfg      Config
	phase    int
	position int64
	limits   Limits
}

// NewStepper configures the coil pins as outputs, de-energized.
func NewStepper(g gpio.Driver, cfg Config) (*Motor, error) {
	if cfg.Limits.Min > cfg.Limits.Max {
		return nil, fmt.Errorf("stepper %s: min %d > max %d", cfg.Name, cfg.Limits.Min, cfg.Limits.Max)
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	for _, pin := range cfg.Pins {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("stepper %s: setup pin %d: %w", cfg.Name, pin, err)
		}
		if err := g.WritePin(pin, gpio.Low); err != nil {
			return nil, fmt.Errorf("stepper %s: write pin %d: %w", cfg.Name, pin, err)
		}
	}
	return &Motor{gpio: g, cfg: cfg, limits: cfg.Limits}, nil
}

// Step advances (dir > 0) or retreats (dir < 0) one half step.
// It reports whether the step was taken.
func (m *Motor) Step(dir int) bool {
	switch {
	case dir > 0:
		if m.position >= m.limits.Max {
			return false
		}
		m.phase = (m.phase + 1) % Phases
		m.position++
	case dir < 0:
		if m.position <= m.limits.Min {
			return false
		}
		m.phase = (m.phase + Phases - 1) % Phases
		m.position--
	default:
		return false
	}
	m.setCoils(halfStep[m.phase])
	return true
}

func (m *Motor) setCoils(pattern uint8) {
	for i, pin := range m.cfg.Pins {
		level := gpio.Low
		if pattern&(1<<i) != 0 {
			level = gpio.High
		}
		if err := m.gpio.WritePin(pin, level); err != nil {
			debug.Error(fmt.Errorf("stepper %s: coil %d: %w", m.cfg.Name, i+1, err))
		}
	}
}

// Release de-energizes all coils. Position and phase are kept.
func (m *Motor) Release() {
	m.setCoils(0)
}

// Name returns the configured motor name.
func (m *Motor) Name() string { return m.cfg.Name }

// Position returns the absolute step counter.
func (m *Motor) Position() int64 { return m.position }

// SetPosition overwrites the counter (restore from storage, maintenance).
// The physical leg does not move.
func (m *Motor) SetPosition(p int64) { m.position = p }

// Phase returns the current index in the half-step table.
func (m *Motor) Phase() int { return m.phase }

// Limits returns the active window.
func (m *Motor) Limits() Limits { return m.limits }

// SetLimits replaces the window. Used only by maintenance commands.
func (m *Motor) SetLimits(l Limits) error {
	if l.Min > l.Max {
		return fmt.Errorf("stepper %s: min %d > max %d", m.cfg.Name, l.Min, l.Max)
	}
	m.limits = l
	return nil
}

// AtLimit reports whether the motor sits on either bound.
func (m *Motor) AtLimit() bool {
	return m.position <= m.limits.Min || m.position >= m.limits.Max
}

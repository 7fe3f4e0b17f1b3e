package motion

import (
	"fmt"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/stepper"
)

var sleep = time.Sleep

const (
	// StepsPerRevolution is the 28BYJ-48 output-shaft count in half-step mode.
	StepsPerRevolution = 2048
	// DefaultMaxCorrectionSteps bounds the travel one control tick may cause.
	DefaultMaxCorrectionSteps = 50
	// DefaultSpeedRPM is the speed used until SetSpeed is called.
	DefaultSpeedRPM = 10
	MinSpeedRPM     = 1
	MaxSpeedRPM     = 15
	// MinStepDelay keeps the motor from stalling at high step rates.
	MinStepDelay = 1000 * time.Microsecond
	// UnlockedTravel is the window used while hunting for physical extents.
	UnlockedTravel = 1_000_000
)

// Motor is one actuator as seen by the pair.
type Motor interface {
	Step(dir int) bool
	Release()
	Position() int64
	SetPosition(p int64)
	Limits() stepper.Limits
	SetLimits(l stepper.Limits) error
	AtLimit() bool
}

// MoveResult reports how many steps each motor actually took.
type MoveResult struct {
	Executed1 int
	Executed2 int
	Ticks     int
}

// Command is a signed step request per motor.
type Command struct {
	Motor1 int `json:"m1"`
	Motor2 int `json:"m2"`
}

// Clamp limits both magnitudes to max.
func (c Command) Clamp(max int) Command {
	return Command{Motor1: clamp(c.Motor1, max), Motor2: clamp(c.Motor2, max)}
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

// Pair orchestrates the two leg motors. It is the only thing that moves
// them; every step goes through stepper bound checks.
type Pair struct {
	m1, m2     Motor
	delay      time.Duration
	maxSteps   int
	configured stepper.Limits
}

// NewController creates a pair over two motors. maxCorrection <= 0 selects
// DefaultMaxCorrectionSteps.
func NewController(m1, m2 Motor, maxCorrection int) *Pair {
	if maxCorrection <= 0 {
		maxCorrection = DefaultMaxCorrectionSteps
	}
	p := &Pair{m1: m1, m2: m2, maxSteps: maxCorrection, configured: m1.Limits()}
	p.SetSpeed(DefaultSpeedRPM)
	return p
}

func (p *Pair) motor(id int) (Motor, error) {
	switch id {
	case 1:
		return p.m1, nil
	case 2:
		return p.m2, nil
	}
	return nil, fmt.Errorf("motion: invalid motor id %d", id)
}

func direction(steps int) (dir, n int) {
	if steps < 0 {
		return -1, -steps
	}
	return 1, steps
}

// MoveSingle steps one motor |steps| times, pausing one step delay each time.
func (p *Pair) MoveSingle(id, steps int) (int, error) {
	m, err := p.motor(id)
	if err != nil {
		return 0, err
	}
	if steps == 0 {
		return 0, nil
	}
	dir, n := direction(steps)
	executed := 0
	for i := 0; i < n; i++ {
		if m.Step(dir) {
			executed++
		}
		sleep(p.delay)
	}
	debug.Move(id, steps, executed)
	return executed, nil
}

// MoveBoth runs both motors at once, spreading the smaller move evenly over
// max(|steps1|, |steps2|) ticks so both finish together.
func (p *Pair) MoveBoth(steps1, steps2 int) MoveResult {
	dir1, n1 := direction(steps1)
	dir2, n2 := direction(steps2)
	ticks := max(n1, n2)
	res := MoveResult{Ticks: ticks}
	if ticks == 0 {
		return res
	}

	acc1 := ticks / 2
	acc2 := ticks / 2
	for i := 0; i < ticks; i++ {
		acc1 -= n1
		if acc1 < 0 {
			acc1 += ticks
			if p.m1.Step(dir1) {
				res.Executed1++
			}
		}
		acc2 -= n2
		if acc2 < 0 {
			acc2 += ticks
			if p.m2.Step(dir2) {
				res.Executed2++
			}
		}
		sleep(p.delay)
	}
	debug.Move(1, steps1, res.Executed1)
	debug.Move(2, steps2, res.Executed2)
	return res
}

// ApplyCorrection clamps a correction to the per-cycle maximum and runs it.
func (p *Pair) ApplyCorrection(cmd Command) MoveResult {
	c := cmd.Clamp(p.maxSteps)
	return p.MoveBoth(c.Motor1, c.Motor2)
}

// SetSpeed converts rpm (clamped to [1, 15]) into the per-step delay and
// returns the delay now in effect.
func (p *Pair) SetSpeed(rpm float64) time.Duration {
	stepsPerSecond := ClampRPM(rpm) * StepsPerRevolution / 60
	delay := time.Duration(float64(time.Second) / stepsPerSecond)
	if delay < MinStepDelay {
		delay = MinStepDelay
	}
	p.delay = delay
	return delay
}

// ClampRPM limits rpm to the range the motors can follow.
func ClampRPM(rpm float64) float64 {
	if rpm < MinSpeedRPM {
		return MinSpeedRPM
	}
	if rpm > MaxSpeedRPM {
		return MaxSpeedRPM
	}
	return rpm
}

// StepDelay returns the pause between steps.
func (p *Pair) StepDelay() time.Duration { return p.delay }

// Release de-energizes both motors.
func (p *Pair) Release() {
	p.m1.Release()
	p.m2.Release()
}

// Positions returns both counters.
func (p *Pair) Positions() (int64, int64) {
	return p.m1.Position(), p.m2.Position()
}

// ResetPositions zeroes both counters.
func (p *Pair) ResetPositions() {
	p.m1.SetPosition(0)
	p.m2.SetPosition(0)
}

// ResetPosition zeroes one counter.
func (p *Pair) ResetPosition(id int) error {
	m, err := p.motor(id)
	if err != nil {
		return err
	}
	m.SetPosition(0)
	return nil
}

// SetPositions overwrites both counters with v, clamped to each window.
func (p *Pair) SetPositions(v int64) {
	p.RestorePositions(v, v)
}

// RestorePositions overwrites both counters with saved values. A value outside
// a motor's window is clamped to the nearest bound.
func (p *Pair) RestorePositions(m1, m2 int64) {
	setClamped(1, p.m1, m1)
	setClamped(2, p.m2, m2)
}

func setClamped(id int, m Motor, v int64) {
	l := m.Limits()
	switch {
	case v < l.Min:
		debug.Warn("Motor %d: position %d below %d, clamped", id, v, l.Min)
		v = l.Min
	case v > l.Max:
		debug.Warn("Motor %d: position %d above %d, clamped", id, v, l.Max)
		v = l.Max
	}
	m.SetPosition(v)
}

// Limits returns the window shared by both motors.
func (p *Pair) Limits() stepper.Limits { return p.m1.Limits() }

// SetLimits overrides the window on both motors.
func (p *Pair) SetLimits(min, max int64) error {
	l := stepper.Limits{Min: min, Max: max}
	if err := p.m1.SetLimits(l); err != nil {
		return err
	}
	return p.m2.SetLimits(l)
}

// Unlock widens the window so the legs can be driven to their physical ends.
func (p *Pair) Unlock() {
	_ = p.SetLimits(-UnlockedTravel, UnlockedTravel)
}

// Lock restores the configured window.
func (p *Pair) Lock() {
	_ = p.SetLimits(p.configured.Min, p.configured.Max)
}

// AtLimit reports whether motor id sits on a bound.
func (p *Pair) AtLimit(id int) bool {
	m, err := p.motor(id)
	if err != nil {
		return false
	}
	return m.AtLimit()
}

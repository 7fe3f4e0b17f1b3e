// Package corrector turns pitch and roll errors into motor step requests
// through two independent PI loops and the platform's leg geometry.
package corrector

import "github.com/cjeanneret/leveler/internal/debug"

// IntegralLimit bounds each axis integrator (anti-windup).
const IntegralLimit = 100.0

// Default gains, tuned at a 50 ms correction cadence.
const (
	DefaultKpPitch = 1.0
	DefaultKiPitch = 0.05
	DefaultKpRoll  = 0.5
	DefaultKiRoll  = 0.03

	DefaultStepsPerDegree = 60.0
)

// Axis is the state of one PI loop.
//
// The integral accumulates once per Compute call, not per elapsed second:
// the gains assume the fixed correction cadence.
type Axis struct {
	Kp        float64
	Ki        float64
	Integral  float64
	LastError float64
}

// Compute feeds one error sample and returns kp*err + ki*integral.
func (a *Axis) Compute(err float64) float64 {
	a.Integral += err
	if a.Integral > IntegralLimit {
		a.Integral = IntegralLimit
	} else if a.Integral < -IntegralLimit {
		a.Integral = -IntegralLimit
	}
	a.LastError = err
	return a.Kp*err + a.Ki*a.Integral
}

// Reset clears the accumulated state, keeping gains.
func (a *Axis) Reset() {
	a.Integral = 0
	a.LastError = 0
}

// Geometry maps axis outputs onto the two rear legs.
type Geometry struct {
	// StepsPerDegree scales a PI output into motor steps.
	StepsPerDegree float64
	// Motor2Reversed negates motor 2 for a lead screw mounted the other way round.
	Motor2Reversed bool
}

// DefaultGeometry is the two-leg build the gains were tuned on.
func DefaultGeometry() Geometry {
	return Geometry{StepsPerDegree: DefaultStepsPerDegree, Motor2Reversed: true}
}

// Output is a signed step request per motor.
type Output struct {
	Motor1 int
	Motor2 int
}

// Corrector holds the pitch and roll loops.
type Corrector struct {
	Pitch    Axis
	Roll     Axis
	geometry Geometry
}

// New creates a corrector with the default gains.
func New(g Geometry) *Corrector {
	if g.StepsPerDegree == 0 {
		g.StepsPerDegree = DefaultStepsPerDegree
	}
	return &Corrector{
		Pitch:    Axis{Kp: DefaultKpPitch, Ki: DefaultKiPitch},
		Roll:     Axis{Kp: DefaultKpRoll, Ki: DefaultKiRoll},
		geometry: g,
	}
}

// Correct runs one PI step per axis. The setpoint is level, so the error is
// the measured angle itself: the legs have negative plant gain (raising
// them lowers the angle), which makes error = +angle negative feedback.
//
//	motor1 = k*(pitch - roll)
//	motor2 = -k*(pitch + roll)   (when Motor2Reversed)
func (c *Corrector) Correct(pitch, roll float64) Output {
	p := c.Pitch.Compute(pitch) * c.geometry.StepsPerDegree
	r := c.Roll.Compute(roll) * c.geometry.StepsPerDegree

	out := Output{
		Motor1: int(p - r),
		Motor2: int(p + r),
	}
	if c.geometry.Motor2Reversed {
		out.Motor2 = -out.Motor2
	}
	return out
}

// Reset zeroes both integrators. Call on every (re)entry into active correction.
func (c *Corrector) Reset() {
	c.Pitch.Reset()
	c.Roll.Reset()
}

// SetPitchGains retunes the pitch loop without touching its integrator.
func (c *Corrector) SetPitchGains(kp, ki float64) {
	c.Pitch.Kp, c.Pitch.Ki = kp, ki
	debug.Info("Corrector: pitch gains Kp=%.2f Ki=%.3f", kp, ki)
}

// SetRollGains retunes the roll loop without touching its integrator.
func (c *Corrector) SetRollGains(kp, ki float64) {
	c.Roll.Kp, c.Roll.Ki = kp, ki
	debug.Info("Corrector: roll gains Kp=%.2f Ki=%.3f", kp, ki)
}

func (c *Corrector) PitchGains() (kp, ki float64) { return c.Pitch.Kp, c.Pitch.Ki }

func (c *Corrector) RollGains() (kp, ki float64) { return c.Roll.Kp, c.Roll.Ki }

// Geometry returns the active motor mapping.
func (c *Corrector) Geometry() Geometry { return c.geometry }

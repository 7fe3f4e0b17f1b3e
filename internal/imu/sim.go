package imu

import (
	"math"
	"sync"
)

// Counts per g and the temperature encoding of the simulated device match
// an MPU-6050 at +-2 g.
const (
	simAccelCountsPerG = 16384.0
	simTempOffsetC     = 36.53
	simTempCountsPerC  = 340.0
)

// Positions reports the current motor position counters.
type Positions func() (m1, m2 int64)

// Simulator is a Sensor for running without hardware. It models a
// platform whose tilt is an initial offset corrected by the two rear legs:
// leg 1 follows motor 1, leg 2 follows the reversed motor 2.
type Simulator struct {
	mu sync.Mutex

	PitchDeg float64 // tilt with both legs at position 0
	RollDeg  float64

	// DegPerStep is the attitude change per step of leg travel.
	DegPerStep float64
	TempC      float64

	positions Positions
	failInit  bool
}

// NewSimulator creates a simulated sensor bound to the motor positions.
func NewSimulator(pitchDeg, rollDeg, degPerStep float64, positions Positions) *Simulator {
	return &Simulator{
		PitchDeg:   pitchDeg,
		RollDeg:    rollDeg,
		DegPerStep: degPerStep,
		TempC:      25,
		positions:  positions,
	}
}

// FailInit makes the next Init calls fail, to exercise the error path.
func (s *Simulator) FailInit(fail bool) {
	s.mu.Lock()
	s.failInit = fail
	s.mu.Unlock()
}

func (s *Simulator) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInit {
		return errSimUnavailable
	}
	return nil
}

// Attitude returns the simulated true pitch and roll in degrees.
func (s *Simulator) Attitude() (pitch, roll float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attitude()
}

func (s *Simulator) attitude() (pitch, roll float64) {
	var m1, m2 int64
	if s.positions != nil {
		m1, m2 = s.positions()
	}
	leg1 := float64(m1)
	leg2 := float64(-m2)
	pitch = s.PitchDeg - s.DegPerStep*(leg1+leg2)/2
	roll = s.RollDeg - s.DegPerStep*(leg2-leg1)/2
	return pitch, roll
}

func (s *Simulator) ReadRaw() (Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pitch, roll := s.attitude()
	return RawFromAttitude(pitch, roll, s.TempC), nil
}

// RawFromAttitude encodes a stationary sensor at the given pitch and roll
// (degrees) as raw counts.
func RawFromAttitude(pitchDeg, rollDeg, tempC float64) Raw {
	p := pitchDeg * math.Pi / 180
	r := rollDeg * math.Pi / 180
	ax := -math.Cos(p) * math.Sin(r)
	ay := math.Sin(p)
	az := math.Cos(p) * math.Cos(r)
	return Raw{
		Ax:   int16(math.Round(ax * simAccelCountsPerG)),
		Ay:   int16(math.Round(ay * simAccelCountsPerG)),
		Az:   int16(math.Round(az * simAccelCountsPerG)),
		Temp: int16(math.Round((tempC - simTempOffsetC) * simTempCountsPerC)),
	}
}

type simError string

func (e simError) Error() string { return string(e) }

const errSimUnavailable = simError("imu: simulated sensor not responding")

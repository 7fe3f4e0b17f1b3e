package leveling

import (
	"time"

	"github.com/cjeanneret/leveler/internal/logic/corrector"
)

// Settings are the runtime-tunable parameters.
type Settings struct {
	KpPitch float64
	KiPitch float64
	KpRoll  float64
	KiRoll  float64

	// Tolerance is the level band in degrees.
	Tolerance float64
	Logging   bool

	// StabilityTimeout is how long the platform must be still before leveling.
	StabilityTimeout time.Duration
	// Confirmation is how long readings must stay in tolerance before
	// LEVEL_OK. Zero accepts the first in-tolerance check.
	Confirmation time.Duration
	// Hysteresis widens the tolerance while in LEVEL_OK.
	Hysteresis float64

	UpdateInterval     time.Duration
	CorrectionInterval time.Duration
}

const (
	DefaultTolerance          = 0.5
	MaxTolerance              = 10.0
	DefaultStabilityTimeout   = 3000 * time.Millisecond
	DefaultConfirmation       = 500 * time.Millisecond
	DefaultHysteresis         = 1.5
	DefaultUpdateInterval     = 10 * time.Millisecond
	DefaultCorrectionInterval = 50 * time.Millisecond

	// logInterval paces continuous logging and test-mode streaming (10 Hz).
	logInterval = 100 * time.Millisecond
	// ledCycleInterval is the dwell per pattern in the test-mode LED cycle.
	ledCycleInterval = 2 * time.Second
	// continuousSteps is the travel per pass of a continuously rotating motor.
	continuousSteps = 10
)

// DefaultSettings returns the tuned defaults.
func DefaultSettings() Settings {
	return Settings{
		KpPitch:            corrector.DefaultKpPitch,
		KiPitch:            corrector.DefaultKiPitch,
		KpRoll:             corrector.DefaultKpRoll,
		KiRoll:             corrector.DefaultKiRoll,
		Tolerance:          DefaultTolerance,
		StabilityTimeout:   DefaultStabilityTimeout,
		Confirmation:       DefaultConfirmation,
		Hysteresis:         DefaultHysteresis,
		UpdateInterval:     DefaultUpdateInterval,
		CorrectionInterval: DefaultCorrectionInterval,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.KpPitch == 0 && s.KiPitch == 0 && s.KpRoll == 0 && s.KiRoll == 0 {
		s.KpPitch, s.KiPitch, s.KpRoll, s.KiRoll = d.KpPitch, d.KiPitch, d.KpRoll, d.KiRoll
	}
	if s.Tolerance <= 0 {
		s.Tolerance = d.Tolerance
	}
	if s.StabilityTimeout <= 0 {
		s.StabilityTimeout = d.StabilityTimeout
	}
	if s.Confirmation < 0 {
		s.Confirmation = 0
	}
	if s.Hysteresis < 1 {
		s.Hysteresis = d.Hysteresis
	}
	if s.UpdateInterval <= 0 {
		s.UpdateInterval = d.UpdateInterval
	}
	if s.CorrectionInterval <= 0 {
		s.CorrectionInterval = d.CorrectionInterval
	}
	return s
}

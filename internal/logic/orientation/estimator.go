// Package orientation fuses accelerometer and gyroscope samples into
// pitch and roll estimates.
package orientation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/imu"
)

var sleep = time.Sleep

// ErrSensorUnavailable is returned when the sensor does not answer or
// identifies as something else.
var ErrSensorUnavailable = errors.New("orientation: sensor unavailable")

// Scale factors for the +-2 g / +-250 deg/s ranges.
const (
	AccelCountsPerG    = 16384.0
	GyroCountsPerDPS   = 131.0
	TempCountsPerC     = 340.0
	TempOffsetC        = 36.53
	OneGCounts         = 16384
	CalibrationSamples = 200
	CalibrationDelay   = 10 * time.Millisecond
)

// Filter defaults.
const (
	DefaultAlpha                = 0.15
	DefaultAccelMotionThreshold = 0.15 // g
	DefaultGyroMotionThreshold  = 10.0 // deg/s
	NominalDt                   = 10 * time.Millisecond
	MaxDt                       = 500 * time.Millisecond
)

// Params tunes the filter.
type Params struct {
	// Alpha is the accelerometer weight of the complementary filter.
	Alpha                float64
	AccelMotionThreshold float64
	GyroMotionThreshold  float64
	InvertPitch          bool
	InvertRoll           bool
}

// DefaultParams returns the tuned filter constants.
func DefaultParams() Params {
	return Params{
		Alpha:                DefaultAlpha,
		AccelMotionThreshold: DefaultAccelMotionThreshold,
		GyroMotionThreshold:  DefaultGyroMotionThreshold,
	}
}

// Offsets are per-axis zero offsets in raw counts.
type Offsets struct {
	AccelX, AccelY, AccelZ int
	GyroX, GyroY, GyroZ    int
	Calibrated             bool
}

// Reading is the latest scaled sample plus the fused angles.
type Reading struct {
	AccelX, AccelY, AccelZ float64 // g
	GyroX, GyroY, GyroZ    float64 // deg/s
	Pitch, Roll            float64 // deg
	Temperature            float64 // °C
}

// Estimator owns the sensor and the filter state.
type Estimator struct {
	sensor imu.Sensor
	params Params

	offsets  Offsets
	reading  Reading
	moving   bool
	prevMagG float64
}

// New creates an estimator over sensor. A zero Alpha means DefaultParams.
func New(sensor imu.Sensor, p Params) *Estimator {
	if p.Alpha == 0 {
		p = DefaultParams()
	}
	return &Estimator{sensor: sensor, params: p, prevMagG: 1}
}

// Initialize brings the sensor up.
func (e *Estimator) Initialize() error {
	if err := e.sensor.Init(); err != nil {
		debug.Error(err)
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	debug.Info("Orientation: sensor ready")
	return nil
}

// Calibrate averages CalibrationSamples readings taken while the platform
// sits still and level. The vertical axis is referenced to one g.
func (e *Estimator) Calibrate() error {
	debug.Info("Orientation: calibrating, keep the platform still (%d samples)", CalibrationSamples)

	var cols [6][]float64
	for i := range cols {
		cols[i] = make([]float64, 0, CalibrationSamples)
	}
	for i := 0; i < CalibrationSamples; i++ {
		r, err := e.sensor.ReadRaw()
		if err != nil {
			return fmt.Errorf("calibration sample %d: %w", i, err)
		}
		for axis, v := range [6]int16{r.Ax, r.Ay, r.Az, r.Gx, r.Gy, r.Gz} {
			cols[axis] = append(cols[axis], float64(v))
		}
		if (i+1)%50 == 0 {
			debug.Verbose("Orientation: calibration %d/%d", i+1, CalibrationSamples)
		}
		sleep(CalibrationDelay)
	}

	mean := func(axis int) int { return int(stat.Mean(cols[axis], nil)) }
	e.offsets = Offsets{
		AccelX:     mean(0),
		AccelY:     mean(1),
		AccelZ:     mean(2) - OneGCounts,
		GyroX:      mean(3),
		GyroY:      mean(4),
		GyroZ:      mean(5),
		Calibrated: true,
	}
	e.reading.Pitch, e.reading.Roll = 0, 0
	e.prevMagG = 1
	debug.PrintStruct("Offsets", e.offsets)
	debug.Info("Orientation: calibration complete")
	return nil
}

// Update reads one sample and advances the filter by dt. A dt outside
// (0, MaxDt] is replaced by NominalDt.
func (e *Estimator) Update(dt time.Duration) error {
	if dt <= 0 || dt > MaxDt {
		dt = NominalDt
	}
	raw, err := e.sensor.ReadRaw()
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}

	// Offsets are subtracted in the device's 16-bit arithmetic.
	ax := float64(raw.Ax-int16(e.offsets.AccelX)) / AccelCountsPerG
	ay := float64(raw.Ay-int16(e.offsets.AccelY)) / AccelCountsPerG
	az := float64(raw.Az-int16(e.offsets.AccelZ)) / AccelCountsPerG
	gx := float64(raw.Gx-int16(e.offsets.GyroX)) / GyroCountsPerDPS
	gy := float64(raw.Gy-int16(e.offsets.GyroY)) / GyroCountsPerDPS
	gz := float64(raw.Gz-int16(e.offsets.GyroZ)) / GyroCountsPerDPS

	accPitch := rad2deg(math.Atan2(ay, math.Sqrt(ax*ax+az*az)))
	accRoll := rad2deg(math.Atan2(-ax, az))
	if e.params.InvertPitch {
		accPitch = -accPitch
	}
	if e.params.InvertRoll {
		accRoll = -accRoll
	}

	s := dt.Seconds()
	a := e.params.Alpha
	gyroPitch := e.reading.Pitch + gx*s
	gyroRoll := e.reading.Roll + gy*s

	e.reading = Reading{
		AccelX: ax, AccelY: ay, AccelZ: az,
		GyroX: gx, GyroY: gy, GyroZ: gz,
		Pitch:       a*accPitch + (1-a)*gyroPitch,
		Roll:        a*accRoll + (1-a)*gyroRoll,
		Temperature: float64(raw.Temp)/TempCountsPerC + TempOffsetC,
	}

	mag := floats.Norm([]float64{ax, ay, az}, 2)
	rate := floats.Norm([]float64{gx, gy, gz}, 2)
	e.moving = math.Abs(mag-e.prevMagG) > e.params.AccelMotionThreshold || rate > e.params.GyroMotionThreshold
	e.prevMagG = mag
	return nil
}

// IsLevel reports whether both angles are strictly inside tol degrees.
func (e *Estimator) IsLevel(tol float64) bool {
	return math.Abs(e.reading.Pitch) < tol && math.Abs(e.reading.Roll) < tol
}

func (e *Estimator) Reading() Reading { return e.reading }
func (e *Estimator) Offsets() Offsets { return e.offsets }
func (e *Estimator) Moving() bool     { return e.moving }
func (e *Estimator) Calibrated() bool { return e.offsets.Calibrated }

// ReadRaw takes one sample without touching the filter.
func (e *Estimator) ReadRaw() (imu.Raw, error) {
	return e.sensor.ReadRaw()
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }

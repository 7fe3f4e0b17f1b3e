package orientation

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/leveler/internal/imu"
)

type fakeSensor struct {
	initErr error
	samples []imu.Raw // cycled
	readErr error
	failAt  int // read index that fails, -1 for never
	reads   int
}

func newFakeSensor(samples ...imu.Raw) *fakeSensor {
	return &fakeSensor{samples: samples, failAt: -1}
}

func (f *fakeSensor) Init() error { return f.initErr }

func (f *fakeSensor) ReadRaw() (imu.Raw, error) {
	i := f.reads
	f.reads++
	if i == f.failAt {
		return imu.Raw{}, f.readErr
	}
	return f.samples[i%len(f.samples)], nil
}

func noSleep(t *testing.T) {
	t.Helper()
	orig := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = orig })
}

func TestInitialize_WrapsSensorError(t *testing.T) {
	f := newFakeSensor(imu.Raw{})
	f.initErr = errors.New("WHO_AM_I mismatch")
	err := New(f, DefaultParams()).Initialize()
	if !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("err = %v, want ErrSensorUnavailable", err)
	}
	f.initErr = nil
	if err := New(f, DefaultParams()).Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCalibrate_ThenLevelReadsZero(t *testing.T) {
	noSleep(t)
	still := imu.Raw{Ax: 100, Ay: -50, Az: OneGCounts + 200, Gx: 13, Gy: -7, Gz: 2}
	f := newFakeSensor(still)
	e := New(f, DefaultParams())

	if err := e.Calibrate(); err != nil {
		t.Fatal(err)
	}
	if f.reads != CalibrationSamples {
		t.Errorf("reads = %d, want %d", f.reads, CalibrationSamples)
	}
	want := Offsets{AccelX: 100, AccelY: -50, AccelZ: 200, GyroX: 13, GyroY: -7, GyroZ: 2, Calibrated: true}
	if e.Offsets() != want {
		t.Errorf("offsets = %+v, want %+v", e.Offsets(), want)
	}
	if !e.Calibrated() {
		t.Error("not calibrated")
	}

	if err := e.Update(NominalDt); err != nil {
		t.Fatal(err)
	}
	r := e.Reading()
	if math.Abs(r.Pitch) > 1e-9 || math.Abs(r.Roll) > 1e-9 {
		t.Errorf("pitch/roll = %v/%v, want 0", r.Pitch, r.Roll)
	}
	if math.Abs(r.AccelZ-1) > 1e-9 || r.GyroX != 0 {
		t.Errorf("scaled reading = %+v", r)
	}
	if e.Moving() {
		t.Error("stationary sample flagged as moving")
	}
}

func TestCalibrate_TruncatesTowardZero(t *testing.T) {
	noSleep(t)
	f := newFakeSensor(
		imu.Raw{Ax: 1, Ay: -1, Az: OneGCounts - 1},
		imu.Raw{Ax: 2, Ay: -2, Az: OneGCounts - 2},
	)
	e := New(f, DefaultParams())
	if err := e.Calibrate(); err != nil {
		t.Fatal(err)
	}
	o := e.Offsets()
	// Z mean 16382.5 truncates to 16382 before 1 g is removed.
	if o.AccelX != 1 || o.AccelY != -1 || o.AccelZ != -2 {
		t.Errorf("offsets = %+v, want ax=1 ay=-1 az=-2", o)
	}
}

func TestCalibrate_ReadErrorAborts(t *testing.T) {
	noSleep(t)
	f := newFakeSensor(imu.Raw{Az: OneGCounts})
	f.failAt = 42
	f.readErr = errors.New("bus error")
	e := New(f, DefaultParams())
	if err := e.Calibrate(); !errors.Is(err, f.readErr) {
		t.Fatalf("err = %v", err)
	}
	if e.Calibrated() {
		t.Error("calibrated after failed run")
	}
}

func TestUpdate_DtClamp(t *testing.T) {
	// 1 deg/s about X with a level accelerometer.
	sample := imu.Raw{Az: OneGCounts, Gx: 131}
	pitchAfter := func(dt time.Duration) float64 {
		e := New(newFakeSensor(sample), DefaultParams())
		if err := e.Update(dt); err != nil {
			t.Fatal(err)
		}
		return e.Reading().Pitch
	}

	nominal := pitchAfter(NominalDt)
	if want := (1 - DefaultAlpha) * 0.01; math.Abs(nominal-want) > 1e-12 {
		t.Fatalf("nominal pitch = %v, want %v", nominal, want)
	}
	for _, dt := range []time.Duration{0, -time.Millisecond, MaxDt + time.Millisecond, time.Minute} {
		if got := pitchAfter(dt); got != nominal {
			t.Errorf("dt=%v: pitch %v, want nominal %v", dt, got, nominal)
		}
	}
	if got := pitchAfter(20 * time.Millisecond); math.Abs(got-2*nominal) > 1e-12 {
		t.Errorf("dt=20ms: pitch %v, want %v", got, 2*nominal)
	}
}

func TestUpdate_ConvergesToAccelAngle(t *testing.T) {
	for _, tc := range []struct{ pitch, roll float64 }{{5, 0}, {0, -3}, {2.5, 1.5}} {
		e := New(newFakeSensor(imu.RawFromAttitude(tc.pitch, tc.roll, 25)), DefaultParams())
		for i := 0; i < 200; i++ {
			if err := e.Update(NominalDt); err != nil {
				t.Fatal(err)
			}
		}
		r := e.Reading()
		if math.Abs(r.Pitch-tc.pitch) > 0.02 || math.Abs(r.Roll-tc.roll) > 0.02 {
			t.Errorf("want %v/%v, got %v/%v", tc.pitch, tc.roll, r.Pitch, r.Roll)
		}
		if math.Abs(r.Temperature-25) > 0.01 {
			t.Errorf("temperature = %v", r.Temperature)
		}
	}
}

func TestUpdate_Inversion(t *testing.T) {
	p := DefaultParams()
	p.InvertPitch, p.InvertRoll = true, true
	e := New(newFakeSensor(imu.RawFromAttitude(4, -2, 25)), p)
	for i := 0; i < 200; i++ {
		_ = e.Update(NominalDt)
	}
	r := e.Reading()
	if math.Abs(r.Pitch+4) > 0.02 || math.Abs(r.Roll-2) > 0.02 {
		t.Errorf("inverted angles = %v/%v", r.Pitch, r.Roll)
	}
}

func TestUpdate_MotionFlag(t *testing.T) {
	level := imu.Raw{Az: OneGCounts}
	cases := []struct {
		name   string
		sample imu.Raw
		moving bool
	}{
		{"stationary", level, false},
		{"accel_jump", imu.Raw{Az: OneGCounts + OneGCounts/4}, true},
		{"small_accel_change", imu.Raw{Az: OneGCounts + OneGCounts/10}, false},
		{"gyro_spin", imu.Raw{Az: OneGCounts, Gz: 11 * 131}, true},
		{"slow_rotation", imu.Raw{Az: OneGCounts, Gx: 5 * 131}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New(newFakeSensor(tc.sample), DefaultParams())
			if err := e.Update(NominalDt); err != nil {
				t.Fatal(err)
			}
			if e.Moving() != tc.moving {
				t.Errorf("moving = %v, want %v", e.Moving(), tc.moving)
			}
		})
	}
}

func TestUpdate_ReadError(t *testing.T) {
	f := newFakeSensor(imu.Raw{Az: OneGCounts})
	f.failAt = 0
	f.readErr = errors.New("nack")
	if err := New(f, DefaultParams()).Update(NominalDt); !errors.Is(err, f.readErr) {
		t.Errorf("err = %v", err)
	}
}

func TestIsLevel_StrictBound(t *testing.T) {
	e := New(newFakeSensor(imu.Raw{}), DefaultParams())
	e.reading.Pitch, e.reading.Roll = 0.5, -0.2
	if e.IsLevel(0.5) {
		t.Error("pitch equal to tolerance must not be level")
	}
	if !e.IsLevel(0.51) {
		t.Error("expected level at 0.51")
	}
	e.reading.Roll = -0.6
	if e.IsLevel(0.55) {
		t.Error("roll beyond tolerance reported level")
	}
}

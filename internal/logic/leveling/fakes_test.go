package leveling

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/leveler/internal/hw/button"
	"github.com/cjeanneret/leveler/internal/hw/led"
	"github.com/cjeanneret/leveler/internal/hw/stepper"
	"github.com/cjeanneret/leveler/internal/imu"
	"github.com/cjeanneret/leveler/internal/logic/corrector"
	"github.com/cjeanneret/leveler/internal/logic/motion"
	"github.com/cjeanneret/leveler/internal/logic/orientation"
)

type fakeEstimator struct {
	initErr   error
	updateErr error

	pitch, roll float64
	moving      bool
	calibrated  bool

	inits        int
	updates      int
	rawReads     int
	calibrations int
	lastDt       time.Duration
}

func (f *fakeEstimator) Initialize() error { f.inits++; return f.initErr }

func (f *fakeEstimator) Calibrate() error {
	f.calibrations++
	f.calibrated = true
	return nil
}

func (f *fakeEstimator) Update(dt time.Duration) error {
	f.updates++
	f.lastDt = dt
	return f.updateErr
}

func (f *fakeEstimator) IsLevel(tol float64) bool {
	return math.Abs(f.pitch) < tol && math.Abs(f.roll) < tol
}

func (f *fakeEstimator) Reading() orientation.Reading {
	return orientation.Reading{Pitch: f.pitch, Roll: f.roll, AccelZ: 1, Temperature: 24.5}
}

func (f *fakeEstimator) ReadRaw() (imu.Raw, error) {
	f.rawReads++
	return imu.Raw{Az: 16384, Temp: -4260}, f.updateErr
}

func (f *fakeEstimator) Moving() bool     { return f.moving }
func (f *fakeEstimator) Calibrated() bool { return f.calibrated }

type fakeActuator struct {
	m1, m2      int64
	limits      stepper.Limits
	unlocked    bool
	corrections []motion.Command
	singles     [][2]int
	boths       [][2]int
	releases    int
	rpm         float64
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{limits: stepper.DefaultLimits(), rpm: motion.DefaultSpeedRPM}
}

func (f *fakeActuator) MoveSingle(id, steps int) (int, error) {
	switch id {
	case 1:
		f.m1 += int64(steps)
	case 2:
		f.m2 += int64(steps)
	default:
		return 0, fmt.Errorf("invalid motor %d", id)
	}
	f.singles = append(f.singles, [2]int{id, steps})
	return steps, nil
}

func (f *fakeActuator) MoveBoth(s1, s2 int) motion.MoveResult {
	f.m1 += int64(s1)
	f.m2 += int64(s2)
	f.boths = append(f.boths, [2]int{s1, s2})
	return motion.MoveResult{Executed1: abs(s1), Executed2: abs(s2)}
}

func (f *fakeActuator) ApplyCorrection(cmd motion.Command) motion.MoveResult {
	c := cmd.Clamp(motion.DefaultMaxCorrectionSteps)
	f.corrections = append(f.corrections, c)
	f.m1 += int64(c.Motor1)
	f.m2 += int64(c.Motor2)
	return motion.MoveResult{Executed1: abs(c.Motor1), Executed2: abs(c.Motor2)}
}

func (f *fakeActuator) SetSpeed(rpm float64) time.Duration {
	f.rpm = rpm
	return time.Duration(float64(time.Second) / (rpm * motion.StepsPerRevolution / 60))
}

func (f *fakeActuator) StepDelay() time.Duration  { return 2 * time.Millisecond }
func (f *fakeActuator) Release()                  { f.releases++ }
func (f *fakeActuator) Positions() (int64, int64) { return f.m1, f.m2 }
func (f *fakeActuator) ResetPositions()           { f.m1, f.m2 = 0, 0 }

func (f *fakeActuator) ResetPosition(id int) error {
	if id == 1 {
		f.m1 = 0
	} else {
		f.m2 = 0
	}
	return nil
}

func (f *fakeActuator) SetPositions(v int64)   { f.m1, f.m2 = v, v }
func (f *fakeActuator) Limits() stepper.Limits { return f.limits }
func (f *fakeActuator) AtLimit(id int) bool    { return id == 1 && f.m1 >= f.limits.Max }
func (f *fakeActuator) Lock()                  { f.limits, f.unlocked = stepper.DefaultLimits(), false }
func (f *fakeActuator) Unlock() {
	f.limits = stepper.Limits{Min: -motion.UnlockedTravel, Max: motion.UnlockedTravel}
	f.unlocked = true
}

type fakeIndicator struct{ patterns []led.Pattern }

func (f *fakeIndicator) SetPattern(p led.Pattern) { f.patterns = append(f.patterns, p) }

func (f *fakeIndicator) last() led.Pattern {
	if len(f.patterns) == 0 {
		return led.Off
	}
	return f.patterns[len(f.patterns)-1]
}

type fakeStore struct {
	saves [][2]int64
	err   error
}

func (f *fakeStore) Save(m1, m2 int64) error {
	f.saves = append(f.saves, [2]int64{m1, m2})
	return f.err
}

type fakeScanner []uint16

func (f fakeScanner) Scan() []uint16 { return f }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type harness struct {
	t     *testing.T
	est   *fakeEstimator
	act   *fakeActuator
	ind   *fakeIndicator
	store *fakeStore
	out   *bytes.Buffer
	o     *Orchestrator
	now   time.Time
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		est:   &fakeEstimator{},
		act:   newFakeActuator(),
		ind:   &fakeIndicator{},
		store: &fakeStore{},
		out:   &bytes.Buffer{},
		now:   time.Unix(1_700_000_000, 0),
	}
	h.o = New(h.est, corrector.New(corrector.DefaultGeometry()), h.act, h.ind, h.store, s, Options{
		Output:     h.out,
		Scanner:    fakeScanner{0x3C, 0x68},
		Info:       "pins: test",
		SensorAddr: 0x68,
	})
	h.o.Start(h.now)
	return h
}

func (h *harness) tick(ev button.Event) {
	h.now = h.now.Add(time.Millisecond)
	h.o.Tick(h.now, ev)
}

func (h *harness) run(d time.Duration) {
	for i := time.Duration(0); i < d; i += time.Millisecond {
		h.tick(button.None)
	}
}

// runUntil ticks until the state is reached and returns the time it took.
func (h *harness) runUntil(s State, limit time.Duration) time.Duration {
	h.t.Helper()
	start := h.now
	for h.o.State() != s {
		if h.now.Sub(start) > limit {
			h.t.Fatalf("state %s not reached within %v (in %s)", s, limit, h.o.State())
		}
		h.tick(button.None)
	}
	return h.now.Sub(start)
}

func (h *harness) expectState(s State) {
	h.t.Helper()
	if h.o.State() != s {
		h.t.Fatalf("state = %s, want %s", h.o.State(), s)
	}
}

// toLeveling starts from IDLE and waits out the stability timeout.
func (h *harness) toLeveling() {
	h.t.Helper()
	h.tick(button.Short)
	h.expectState(Initializing)
	h.tick(button.None)
	h.expectState(WaitForStable)
	h.runUntil(Leveling, h.o.Settings().StabilityTimeout+100*time.Millisecond)
}

func (h *harness) output() string { return h.out.String() }

func (h *harness) outputContains(sub string) bool { return strings.Contains(h.out.String(), sub) }

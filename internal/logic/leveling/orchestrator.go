// Package leveling sequences sensing, correction and actuation through the
// platform's state machine. All state is owned by one Orchestrator and is
// only mutated from Tick and Dispatch, which the caller runs on a single
// goroutine.
package leveling

import (
	"fmt"
	"io"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/button"
	"github.com/cjeanneret/leveler/internal/hw/led"
	"github.com/cjeanneret/leveler/internal/hw/stepper"
	"github.com/cjeanneret/leveler/internal/imu"
	"github.com/cjeanneret/leveler/internal/logic/corrector"
	"github.com/cjeanneret/leveler/internal/logic/motion"
	"github.com/cjeanneret/leveler/internal/logic/orientation"
)

// Estimator is the orientation source.
type Estimator interface {
	Initialize() error
	Calibrate() error
	Update(dt time.Duration) error
	IsLevel(tol float64) bool
	Reading() orientation.Reading
	ReadRaw() (imu.Raw, error)
	Moving() bool
	Calibrated() bool
}

// Actuator is the motor pair.
type Actuator interface {
	MoveSingle(id, steps int) (int, error)
	MoveBoth(steps1, steps2 int) motion.MoveResult
	ApplyCorrection(cmd motion.Command) motion.MoveResult
	SetSpeed(rpm float64) time.Duration
	StepDelay() time.Duration
	Release()
	Positions() (int64, int64)
	ResetPositions()
	ResetPosition(id int) error
	SetPositions(v int64)
	Limits() stepper.Limits
	Unlock()
	Lock()
	AtLimit(id int) bool
}

// Indicator shows a pattern per state.
type Indicator interface {
	SetPattern(p led.Pattern)
}

// PositionStore persists motor positions.
type PositionStore interface {
	Save(m1, m2 int64) error
}

// BusScanner lists responding devices on the sensor bus.
type BusScanner interface {
	Scan() []uint16
}

// statePattern is the indicator pattern shown in each state.
var statePattern = map[State]led.Pattern{
	Idle:          led.Off,
	Initializing:  led.SlowBlink,
	WaitForStable: led.Solid,
	Leveling:      led.FastBlink,
	LevelOK:       led.DoublePulse,
	Error:         led.ErrorBlink,
	TestMode:      led.Solid,
	SafeShutdown:  led.Off,
}

// ledCycle is the order of the test-mode LED cycle.
var ledCycle = []led.Pattern{led.Solid, led.SlowBlink, led.FastBlink, led.DoublePulse, led.ErrorBlink, led.Off}

// Options carries the optional collaborators.
type Options struct {
	// Output receives operator-facing lines (state changes, logging, streams).
	Output  io.Writer
	Scanner BusScanner
	// Info is printed by the info command (pin map, build parameters).
	Info string
	// SensorAddr is the expected sensor address, flagged in scan output.
	SensorAddr uint16
}

type testFlags struct {
	stream    bool
	button    bool
	cont1     bool
	cont2     bool
	ledCycle  bool
	ledIndex  int
	speedRPM  float64
	streamT   Timer
	ledCycleT Timer
}

// Orchestrator owns the state machine and every component it drives.
type Orchestrator struct {
	est   Estimator
	corr  *corrector.Corrector
	act   Actuator
	ind   Indicator
	store PositionStore
	opts  Options

	settings Settings
	state    State

	now       time.Time
	started   time.Time
	entered   time.Time
	lastErr   error
	lastRead  time.Time
	readFails int
	// fresh is set by a good sample and consumed by the next correction.
	fresh bool
	// settled is set once WAIT_FOR_STABLE has seen a good, motion-free sample.
	settled bool

	sampleT  Timer
	correctT Timer
	stableT  Timer
	confirmT Timer
	logT     Timer

	test testFlags
}

// New creates an orchestrator in IDLE. No entry actions run until the
// first transition.
func New(est Estimator, corr *corrector.Corrector, act Actuator, ind Indicator, store PositionStore, s Settings, opts Options) *Orchestrator {
	s = s.withDefaults()
	corr.SetPitchGains(s.KpPitch, s.KiPitch)
	corr.SetRollGains(s.KpRoll, s.KiRoll)
	return &Orchestrator{
		est:      est,
		corr:     corr,
		act:      act,
		ind:      ind,
		store:    store,
		opts:     opts,
		settings: s,
		state:    Idle,
		test:     testFlags{speedRPM: motion.DefaultSpeedRPM},
	}
}

// Start records the boot time and runs IDLE's entry actions.
func (o *Orchestrator) Start(now time.Time) {
	o.now, o.started, o.entered = now, now, now
	o.enter(Idle)
}

func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) Settings() Settings { return o.settings }

// LastError is the most recent sensor failure, if any.
func (o *Orchestrator) LastError() error { return o.lastErr }

// Tick advances the machine by one cooperative pass. ev is the button
// event sampled for this pass.
func (o *Orchestrator) Tick(now time.Time, ev button.Event) {
	o.now = now
	if o.started.IsZero() {
		o.started, o.entered = now, now
	}

	if o.state == TestMode && o.test.button && ev != button.None {
		o.emitf("[BUTTON] %s press", ev)
	}

	if ev == button.Long && o.state != SafeShutdown {
		o.emitf("Long press: safe shutdown")
		o.fire(LongHold)
		return
	}

	switch o.state {
	case Idle:
		if ev == button.Short {
			o.fire(Start)
		}
	case Initializing:
		o.initialize()
	case WaitForStable:
		o.waitForStable()
	case Leveling:
		o.level()
	case LevelOK:
		o.monitor()
	case Error:
		if ev == button.Short {
			o.fire(Retry)
		}
	case TestMode:
		o.testTick()
	case SafeShutdown:
		if ev == button.Short {
			o.fire(Short)
		}
	}

	o.logContinuous()
}

// fire applies trigger t. Unknown transitions are ignored; a transition to
// the current state runs no entry actions.
func (o *Orchestrator) fire(t Trigger) bool {
	to, ok := Next(o.state, t)
	if !ok {
		debug.Verbose("Trigger %s ignored in %s", t, o.state)
		return false
	}
	if to == o.state {
		return true
	}
	from := o.state
	o.exit(from)
	debug.State(from.String(), to.String())
	o.emitf("State: %s -> %s", from, to)
	o.state = to
	o.entered = o.now
	o.enter(to)
	return true
}

func (o *Orchestrator) exit(s State) {
	if s == TestMode {
		o.test = testFlags{speedRPM: o.test.speedRPM}
		o.act.Release()
	}
}

func (o *Orchestrator) enter(s State) {
	if o.ind != nil {
		o.ind.SetPattern(statePattern[s])
	}
	switch s {
	case Idle:
		o.act.Release()
		o.persist()
	case WaitForStable:
		o.stableT.Start(o.now)
		o.settled = false
	case Leveling:
		o.fresh = false
		o.corr.Reset()
		o.confirmT.Stop()
		o.correctT.Stop()
	case LevelOK:
		o.act.Release()
		o.persist()
	case Error:
		o.act.Release()
	case TestMode:
		o.test = testFlags{speedRPM: motion.DefaultSpeedRPM}
		o.act.SetSpeed(o.test.speedRPM)
		o.emitf("%s", testMenu)
	case SafeShutdown:
		o.persist()
		o.act.Release()
	}
}

func (o *Orchestrator) persist() {
	if o.store == nil {
		return
	}
	m1, m2 := o.act.Positions()
	if err := o.store.Save(m1, m2); err != nil {
		debug.Warn("persist positions: %v", err)
	}
}

func (o *Orchestrator) initialize() {
	o.emitf("Initializing sensor...")
	if err := o.est.Initialize(); err != nil {
		o.lastErr = err
		o.emitf("ERROR: %v", err)
		o.fire(InitFailed)
		return
	}
	o.lastErr = nil
	o.corr.SetPitchGains(o.settings.KpPitch, o.settings.KiPitch)
	o.corr.SetRollGains(o.settings.KpRoll, o.settings.KiRoll)
	o.emitf("Sensor ready, waiting for the platform to settle...")
	o.fire(InitOK)
}

// sample runs one estimator update when the update interval has elapsed.
// It reports whether a fresh sample was taken.
// sampling reports whether the loop is feeding the filter in this state.
func (o *Orchestrator) sampling() bool {
	switch o.state {
	case WaitForStable, Leveling, LevelOK:
		return true
	case TestMode:
		return o.test.stream
	}
	return false
}

func (o *Orchestrator) sample() bool {
	if !o.sampleT.Due(o.now, o.settings.UpdateInterval) {
		return false
	}
	var dt time.Duration
	if !o.lastRead.IsZero() {
		dt = o.now.Sub(o.lastRead)
	}
	o.lastRead = o.now
	if err := o.est.Update(dt); err != nil {
		o.readFails++
		if o.readFails == 1 || o.readFails%100 == 0 {
			debug.Warn("sensor update failed (%d): %v", o.readFails, err)
		}
		return false
	}
	o.readFails = 0
	o.fresh = true
	return true
}

// waitForStable needs StabilityTimeout of good samples without motion. A
// failed read restarts the window like motion does.
func (o *Orchestrator) waitForStable() {
	fresh := o.sample()
	switch {
	case fresh && !o.est.Moving():
		o.settled = true
	case fresh || o.readFails > 0:
		o.stableT.Start(o.now)
		o.settled = false
	}
	if o.settled && o.stableT.Elapsed(o.now) >= o.settings.StabilityTimeout {
		o.emitf("Platform stable, leveling...")
		o.fire(Stable)
	}
}

func (o *Orchestrator) level() {
	if o.sample() {
		if o.est.Moving() {
			o.emitf("Motion detected, waiting for stability...")
			o.fire(Motion)
			return
		}
		if o.confirmT.Running() && !o.est.IsLevel(o.settings.Tolerance) {
			o.confirmT.Stop()
		}
	} else if o.readFails > 0 {
		o.confirmT.Stop()
	}

	if !o.correctT.Due(o.now, o.settings.CorrectionInterval) {
		return
	}
	// Never act on a reading older than this correction interval.
	if !o.fresh {
		return
	}
	o.fresh = false
	r := o.est.Reading()
	if o.est.IsLevel(o.settings.Tolerance) {
		if !o.confirmT.Running() {
			o.confirmT.Start(o.now)
		}
		if o.confirmT.Elapsed(o.now) >= o.settings.Confirmation {
			o.emitf("Level reached: pitch=%.2f roll=%.2f", r.Pitch, r.Roll)
			o.fire(Leveled)
		}
		return
	}
	o.confirmT.Stop()

	out := o.corr.Correct(r.Pitch, r.Roll)
	if out.Motor1 == 0 && out.Motor2 == 0 {
		return
	}
	cmd := motion.Command{Motor1: out.Motor1, Motor2: out.Motor2}
	res := o.act.ApplyCorrection(cmd)
	debug.Correction(r.Pitch, r.Roll, res.Executed1, res.Executed2)
}

func (o *Orchestrator) monitor() {
	if !o.sample() {
		return
	}
	if o.est.Moving() {
		o.emitf("Motion detected, re-leveling...")
		o.fire(Motion)
		return
	}
	if !o.est.IsLevel(o.settings.Tolerance * o.settings.Hysteresis) {
		o.emitf("Platform drifted, adjusting...")
		o.fire(Drift)
	}
}

func (o *Orchestrator) testTick() {
	t := &o.test
	if t.stream && t.streamT.Due(o.now, logInterval) {
		var dt time.Duration
		if !o.lastRead.IsZero() {
			dt = o.now.Sub(o.lastRead)
		}
		o.lastRead = o.now
		if err := o.est.Update(dt); err != nil {
			o.emitf("[IMU] read error: %v", err)
		} else {
			r := o.est.Reading()
			m1, m2 := o.act.Positions()
			o.emitf("[IMU] P:%.2f R:%.2f | Ax:%.3f Ay:%.3f Az:%.3f | Gx:%.1f Gy:%.1f Gz:%.1f | M1:%d M2:%d",
				r.Pitch, r.Roll, r.AccelX, r.AccelY, r.AccelZ, r.GyroX, r.GyroY, r.GyroZ, m1, m2)
		}
	}
	if t.cont1 {
		o.act.MoveSingle(1, continuousSteps)
	}
	if t.cont2 {
		o.act.MoveSingle(2, continuousSteps)
	}
	if t.ledCycle && t.ledCycleT.Due(o.now, ledCycleInterval) {
		p := ledCycle[t.ledIndex]
		if o.ind != nil {
			o.ind.SetPattern(p)
		}
		o.emitf("[LED] pattern: %s", p)
		t.ledIndex = (t.ledIndex + 1) % len(ledCycle)
	}
}

func (o *Orchestrator) logContinuous() {
	if !o.settings.Logging || o.state == Idle {
		return
	}
	if !o.logT.Due(o.now, logInterval) {
		return
	}
	r := o.est.Reading()
	m1, m2 := o.act.Positions()
	moving := 0
	if o.est.Moving() {
		moving = 1
	}
	o.emitf("P:%.2f R:%.2f M:%d M1:%d M2:%d", r.Pitch, r.Roll, moving, m1, m2)
}

func (o *Orchestrator) emitf(format string, args ...interface{}) {
	if o.opts.Output == nil {
		return
	}
	fmt.Fprintf(o.opts.Output, format+"\n", args...)
}

// Shutdown persists positions and de-energizes the motors. Used on process exit.
func (o *Orchestrator) Shutdown() {
	o.persist()
	o.act.Release()
	if o.ind != nil {
		o.ind.SetPattern(led.Off)
	}
}

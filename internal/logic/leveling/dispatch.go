package leveling

import (
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/led"
	"github.com/cjeanneret/leveler/internal/logic/corrector"
	"github.com/cjeanneret/leveler/internal/logic/motion"
)

// Reply is the outcome of a dispatched command.
type Reply struct {
	OK   bool
	Text string
}

func ok(format string, args ...interface{}) Reply {
	return Reply{OK: true, Text: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...interface{}) Reply {
	return Reply{OK: false, Text: fmt.Sprintf(format, args...)}
}

type handler func(o *Orchestrator, c Command) Reply

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		CmdMotor:       (*Orchestrator).cmdMotor,
		CmdBoth:        (*Orchestrator).cmdBoth,
		CmdStop:        (*Orchestrator).cmdStop,
		CmdSpeed:       (*Orchestrator).cmdSpeed,
		CmdContinuous:  (*Orchestrator).cmdContinuous,
		CmdResetPos:    (*Orchestrator).cmdResetPositions,
		CmdResetPos1:   (*Orchestrator).cmdResetPositions,
		CmdResetPos2:   (*Orchestrator).cmdResetPositions,
		CmdSetPos:      (*Orchestrator).cmdSetPositions,
		CmdUnlock:      (*Orchestrator).cmdUnlock,
		CmdLock:        (*Orchestrator).cmdLock,
		CmdPositions:   (*Orchestrator).cmdPositions,
		CmdCalibrate:   (*Orchestrator).cmdCalibrate,
		CmdScan:        (*Orchestrator).cmdScan,
		CmdStream:      (*Orchestrator).cmdStream,
		CmdState:       (*Orchestrator).cmdState,
		CmdGains:       (*Orchestrator).cmdGains,
		CmdTolerance:   (*Orchestrator).cmdTolerance,
		CmdStabTimeout: (*Orchestrator).cmdStabTimeout,
		CmdLED:         (*Orchestrator).cmdLED,
		CmdRelease:     (*Orchestrator).cmdRelease,
		CmdSerial:      (*Orchestrator).cmdSerial,
		CmdHelp:        (*Orchestrator).cmdHelp,
		CmdStatus:      (*Orchestrator).cmdStatus,
		CmdData:        (*Orchestrator).cmdData,
		CmdRead:        (*Orchestrator).cmdRead,
		CmdRaw:         (*Orchestrator).cmdRaw,
		CmdIMU:         (*Orchestrator).cmdIMU,
		CmdReset:       (*Orchestrator).cmdReset,
		CmdLog:         (*Orchestrator).cmdLog,
		CmdInfo:        (*Orchestrator).cmdInfo,
		CmdButton:      (*Orchestrator).cmdButton,
		CmdExit:        (*Orchestrator).cmdExit,
	}
}

// Dispatch runs one command against the orchestrator. It must be called
// from the goroutine that calls Tick. Unknown tags have no side effects.
func (o *Orchestrator) Dispatch(c Command) Reply {
	h, found := handlers[c.Cmd]
	if !found {
		debug.Warn("Unknown command %q ignored", c.Cmd)
		return fail("unknown command %q", c.Cmd)
	}
	debug.Verbose("Command: %+v", c)
	return h(o, c)
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func (o *Orchestrator) halted() bool { return o.state == SafeShutdown }

// --- motors ---

func (o *Orchestrator) cmdMotor(c Command) Reply {
	if o.halted() {
		return fail("motors disabled in %s", o.state)
	}
	n, err := o.act.MoveSingle(c.ID, c.Steps)
	if err != nil {
		return fail("%v", err)
	}
	m1, m2 := o.act.Positions()
	return ok("Motor %d moved %d/%d steps (M1:%d M2:%d)", c.ID, n, c.Steps, m1, m2)
}

func (o *Orchestrator) cmdBoth(c Command) Reply {
	if o.halted() {
		return fail("motors disabled in %s", o.state)
	}
	res := o.act.MoveBoth(c.M1, c.M2)
	m1, m2 := o.act.Positions()
	return ok("Moved M1 %d/%d M2 %d/%d (M1:%d M2:%d)", res.Executed1, c.M1, res.Executed2, c.M2, m1, m2)
}

func (o *Orchestrator) cmdStop(Command) Reply {
	o.test.cont1, o.test.cont2 = false, false
	o.act.Release()
	return ok("All motors stopped")
}

func (o *Orchestrator) cmdSpeed(c Command) Reply {
	rpm := motion.ClampRPM(valueOr(c.Value, 10))
	d := o.act.SetSpeed(rpm)
	o.test.speedRPM = rpm
	return ok("Motor speed %.0f RPM (step delay %v)", rpm, d)
}

func (o *Orchestrator) cmdContinuous(c Command) Reply {
	if o.state != TestMode {
		return fail("continuous rotation only in %s", TestMode)
	}
	var on bool
	switch c.ID {
	case 1:
		o.test.cont1 = !o.test.cont1
		on = o.test.cont1
	case 2:
		o.test.cont2 = !o.test.cont2
		on = o.test.cont2
	default:
		return fail("invalid motor %d", c.ID)
	}
	if !on {
		o.act.Release()
	}
	return ok("Motor %d continuous: %s", c.ID, onOff(on))
}

func (o *Orchestrator) cmdResetPositions(c Command) Reply {
	switch c.Cmd {
	case CmdResetPos1:
		_ = o.act.ResetPosition(1)
	case CmdResetPos2:
		_ = o.act.ResetPosition(2)
	default:
		o.act.ResetPositions()
	}
	m1, m2 := o.act.Positions()
	return ok("[MRESET] M1:%d M2:%d", m1, m2)
}

func (o *Orchestrator) cmdSetPositions(c Command) Reply {
	v := int64(valueOr(c.Value, 0))
	o.act.SetPositions(v)
	o.persist()
	m1, m2 := o.act.Positions()
	return ok("[MSET] positions set to M1:%d M2:%d", m1, m2)
}

func (o *Orchestrator) cmdUnlock(Command) Reply {
	o.act.Unlock()
	lim := o.act.Limits()
	return ok("Limits unlocked [%d, %d]", lim.Min, lim.Max)
}

func (o *Orchestrator) cmdLock(Command) Reply {
	o.act.Lock()
	lim := o.act.Limits()
	return ok("Limits locked [%d, %d]", lim.Min, lim.Max)
}

func (o *Orchestrator) cmdPositions(Command) Reply {
	m1, m2 := o.act.Positions()
	lim := o.act.Limits()
	return ok("[MPOS] M1:%d M2:%d MIN:%d MAX:%d", m1, m2, lim.Min, lim.Max)
}

func (o *Orchestrator) cmdRelease(Command) Reply {
	o.act.Release()
	return ok("Motors released")
}

// --- sensor ---

// cmdCalibrate blocks for the whole averaging pass.
func (o *Orchestrator) cmdCalibrate(Command) Reply {
	if o.state != Idle && o.state != TestMode {
		return fail("calibration only available in %s or %s", Idle, TestMode)
	}
	o.emitf("Calibrating, keep the platform still and level...")
	if err := o.est.Initialize(); err != nil {
		o.lastErr = err
		return fail("calibration: %v", err)
	}
	if err := o.est.Calibrate(); err != nil {
		return fail("calibration: %v", err)
	}
	return ok("Calibration complete")
}

func (o *Orchestrator) cmdScan(Command) Reply {
	if o.opts.Scanner == nil {
		return fail("bus scan not available")
	}
	found := o.opts.Scanner.Scan()
	if len(found) == 0 {
		return ok("No devices found")
	}
	var b strings.Builder
	for _, a := range found {
		fmt.Fprintf(&b, "  Found device at 0x%02X", a)
		if a == o.opts.SensorAddr {
			b.WriteString(" (sensor)")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "  Total: %d device(s)", len(found))
	return ok("%s", b.String())
}

func (o *Orchestrator) cmdStream(Command) Reply {
	if o.state != TestMode {
		return fail("streaming only in %s", TestMode)
	}
	o.test.stream = !o.test.stream
	o.test.streamT.Stop()
	return ok("Sensor streaming: %s", onOff(o.test.stream))
}

func (o *Orchestrator) cmdIMU(Command) Reply {
	if err := o.est.Initialize(); err != nil {
		o.lastErr = err
		return fail("%v", err)
	}
	return ok("Sensor initialized")
}

func (o *Orchestrator) cmdData(Command) Reply {
	if o.state == Idle {
		return fail("sensor not active in %s, start leveling first", Idle)
	}
	return ok("%s", o.formatReading())
}

// cmdRead reports the loop's latest estimate while the loop samples and
// takes a fresh sample otherwise.
func (o *Orchestrator) cmdRead(Command) Reply {
	if !o.sampling() {
		if err := o.est.Update(0); err != nil {
			return fail("read: %v", err)
		}
	}
	return ok("%s", o.formatReading())
}

func (o *Orchestrator) cmdRaw(Command) Reply {
	r, err := o.est.ReadRaw()
	if err != nil {
		return fail("read: %v", err)
	}
	return ok("Accel: X=%d Y=%d Z=%d\nGyro:  X=%d Y=%d Z=%d\nTemp:  %d (raw)",
		r.Ax, r.Ay, r.Az, r.Gx, r.Gy, r.Gz, r.Temp)
}

func (o *Orchestrator) formatReading() string {
	r := o.est.Reading()
	return fmt.Sprintf("Pitch: %.2f deg\nRoll:  %.2f deg\nAccel: X=%.3fg Y=%.3fg Z=%.3fg\nGyro:  X=%.2f Y=%.2f Z=%.2f deg/s\nTemp:  %.1f C\nMoving: %s\nLevel:  %s",
		r.Pitch, r.Roll, r.AccelX, r.AccelY, r.AccelZ, r.GyroX, r.GyroY, r.GyroZ, r.Temperature,
		yesNo(o.est.Moving()), yesNo(o.est.IsLevel(o.settings.Tolerance)))
}

// --- state and tuning ---

// cmdState requests a transition by target name. The first trigger that
// leads from the current state to the target is fired.
func (o *Orchestrator) cmdState(c Command) Reply {
	target, err := ParseState(c.To)
	if err != nil {
		return fail("%v", err)
	}
	if target == o.state {
		return ok("Already in %s", target)
	}
	for _, t := range Triggers() {
		if to, found := Next(o.state, t); found && to == target {
			o.fire(t)
			return ok("State: %s", o.state)
		}
	}
	return fail("no transition from %s to %s", o.state, target)
}

func (o *Orchestrator) cmdReset(Command) Reply {
	if !o.fire(Reset) {
		return fail("reset not allowed in %s", o.state)
	}
	return ok("State: %s", o.state)
}

func (o *Orchestrator) cmdExit(Command) Reply {
	if !o.fire(ExitTest) {
		return fail("not in %s", TestMode)
	}
	return ok("Left test mode")
}

func (o *Orchestrator) cmdGains(c Command) Reply {
	s := &o.settings
	if c.Query {
		return ok("Gains pitch Kp=%.2f Ki=%.3f roll Kp=%.2f Ki=%.3f", s.KpPitch, s.KiPitch, s.KpRoll, s.KiRoll)
	}
	s.KpPitch = valueOr(c.KpP, corrector.DefaultKpPitch)
	s.KiPitch = valueOr(c.KiP, corrector.DefaultKiPitch)
	s.KpRoll = valueOr(c.KpR, corrector.DefaultKpRoll)
	s.KiRoll = valueOr(c.KiR, corrector.DefaultKiRoll)
	o.corr.SetPitchGains(s.KpPitch, s.KiPitch)
	o.corr.SetRollGains(s.KpRoll, s.KiRoll)
	return ok("Gains pitch Kp=%.2f Ki=%.3f roll Kp=%.2f Ki=%.3f", s.KpPitch, s.KiPitch, s.KpRoll, s.KiRoll)
}

func (o *Orchestrator) cmdTolerance(c Command) Reply {
	if c.Query {
		return ok("Level tolerance: %.2f deg", o.settings.Tolerance)
	}
	deg := valueOr(c.Deg, DefaultTolerance)
	if deg <= 0 || deg >= MaxTolerance {
		return fail("invalid tolerance %.2f (must be between 0 and %.0f)", deg, MaxTolerance)
	}
	o.settings.Tolerance = deg
	return ok("Level tolerance set to %.2f deg", deg)
}

func (o *Orchestrator) cmdStabTimeout(c Command) Reply {
	sec := valueOr(c.Sec, DefaultStabilityTimeout.Seconds())
	if sec <= 0 {
		return fail("invalid stability timeout %.1f s", sec)
	}
	o.settings.StabilityTimeout = time.Duration(sec * float64(time.Second))
	return ok("Stability timeout set to %v", o.settings.StabilityTimeout)
}

func (o *Orchestrator) cmdLog(Command) Reply {
	o.settings.Logging = !o.settings.Logging
	o.logT.Stop()
	return ok("Continuous logging: %s", onOff(o.settings.Logging))
}

// --- indicator and misc ---

func (o *Orchestrator) cmdLED(c Command) Reply {
	if o.ind == nil {
		return fail("no indicator")
	}
	o.test.ledCycle = false
	if strings.EqualFold(c.Mode, "cycle") {
		o.test.ledCycle = true
		o.test.ledIndex = 0
		o.test.ledCycleT.Start(o.now)
		return ok("LED: cycling patterns (%v each)", ledCycleInterval)
	}
	p, err := led.ParsePattern(c.Mode)
	if err != nil {
		return fail("%v (use on, off, slow, fast, pulse, error, cycle)", err)
	}
	o.ind.SetPattern(p)
	return ok("LED: %s", p)
}

func (o *Orchestrator) cmdButton(Command) Reply {
	if o.state != TestMode {
		return fail("button test only in %s", TestMode)
	}
	o.test.button = !o.test.button
	return ok("Button test: %s", onOff(o.test.button))
}

// cmdSerial feeds raw console text through the console parser.
func (o *Orchestrator) cmdSerial(c Command) Reply {
	inner, err := ParseLine(c.Text, o.state == TestMode)
	if err != nil {
		return fail("%v", err)
	}
	if inner.Cmd == CmdSerial {
		return fail("nested serial command")
	}
	return o.Dispatch(inner)
}

func (o *Orchestrator) cmdStatus(Command) Reply {
	s := o.Status()
	return ok("State: %s\nTime in state: %d ms\nLevel tolerance: %.2f deg\nPI gains: pitch Kp=%.2f Ki=%.3f roll Kp=%.2f Ki=%.3f\nMotor positions: M1=%d M2=%d [%d, %d]\nContinuous logging: %s",
		s.State, s.InStateMs, s.Tolerance, s.KpPitch, s.KiPitch, s.KpRoll, s.KiRoll, s.M1, s.M2, s.MMin, s.MMax, onOff(s.Logging))
}

func (o *Orchestrator) cmdInfo(Command) Reply {
	if o.opts.Info == "" {
		return ok("No build information")
	}
	return ok("%s", o.opts.Info)
}

func (o *Orchestrator) cmdHelp(Command) Reply {
	if o.state == TestMode {
		return ok("%s", testMenu)
	}
	return ok("%s", normalHelp)
}

const normalHelp = `Commands:
  h           show this help
  s           print current state
  i           print sensor data
  m1 <N>      move motor 1 by N steps
  m2 <N>      move motor 2 by N steps
  c           calibrate the sensor (IDLE only)
  r           reset to IDLE
  p <kp> <ki> set PI gains (both axes)
  t <deg>     set level tolerance
  l           toggle continuous logging
  admin|test  enter test mode`

const testMenu = `TEST MODE commands:
  Motors:  m1/m2 <steps>, m1c, m2c, mstop, mspeed <rpm>, mpos, mreset
  Sensor:  scan, imu, read, stream, cal, raw
  Button:  btn
  LED:     led on|off|slow|fast|pulse|error|cycle
  System:  info, pins
  Exit:    exit`

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// Handle dispatches the request and delivers the reply.
func (o *Orchestrator) Handle(r Request) Reply {
	rep := o.Dispatch(r.Command)
	debug.Verbose("%s %s -> %v", r.Source, r.Command.Cmd, rep.OK)
	if r.Done != nil {
		r.Done(rep)
	}
	return rep
}

package leveling

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
)

func TestParseJSON(t *testing.T) {
	c, err := ParseJSON([]byte(`{"cmd":"motor","id":1,"steps":-100}`))
	if err != nil || c.Cmd != CmdMotor || c.ID != 1 || c.Steps != -100 {
		t.Errorf("motor: %+v, %v", c, err)
	}
	c, err = ParseJSON([]byte(`{"cmd":"gains","kpP":2,"kiR":0.01}`))
	if err != nil || *c.KpP != 2 || c.KiP != nil || *c.KiR != 0.01 {
		t.Errorf("gains: %+v, %v", c, err)
	}
	if _, err := ParseJSON([]byte(`{"cmd":`)); err == nil {
		t.Error("malformed frame accepted")
	}
	if _, err := ParseJSON([]byte(`{"id":1}`)); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("missing cmd: %v", err)
	}
}

func TestParseLine_Normal(t *testing.T) {
	cases := []struct {
		line string
		cmd  string
		id   int
		step int
	}{
		{"h", CmdHelp, 0, 0},
		{"?", CmdHelp, 0, 0},
		{"S", CmdStatus, 0, 0},
		{"i", CmdData, 0, 0},
		{"c", CmdCalibrate, 0, 0},
		{"r", CmdReset, 0, 0},
		{"l", CmdLog, 0, 0},
		{"m1 200", CmdMotor, 1, 200},
		{"m2 -50", CmdMotor, 2, -50},
		{"m1-30", CmdMotor, 1, -30},
		{"munlock", CmdUnlock, 0, 0},
		{"mpos", CmdPositions, 0, 0},
	}
	for _, tc := range cases {
		c, err := ParseLine(tc.line, false)
		if err != nil || c.Cmd != tc.cmd || c.ID != tc.id || c.Steps != tc.step {
			t.Errorf("ParseLine(%q) = %+v, %v", tc.line, c, err)
		}
	}

	c, err := ParseLine("p 1.5 0.1", false)
	if err != nil || *c.KpP != 1.5 || *c.KiP != 0.1 || *c.KpR != 1.5 || *c.KiR != 0.1 {
		t.Errorf("p: %+v, %v", c, err)
	}
	if c, _ := ParseLine("p", false); !c.Query {
		t.Error("bare p should query")
	}
	if c, err := ParseLine("t 0.8", false); err != nil || *c.Deg != 0.8 {
		t.Errorf("t: %+v, %v", c, err)
	}
	for _, word := range []string{"admin", "TEST"} {
		if c, _ := ParseLine(word, false); c.Cmd != CmdState || c.To != "TEST_MODE" {
			t.Errorf("%s: %+v", word, c)
		}
	}
	for _, bad := range []string{"", "   ", "zz", "m1 abc", "p 1", "m1c"} {
		if _, err := ParseLine(bad, false); err == nil {
			t.Errorf("ParseLine(%q) accepted", bad)
		}
	}
}

func TestParseLine_TestMode(t *testing.T) {
	cases := map[string]Command{
		"exit":      {Cmd: CmdExit},
		"menu":      {Cmd: CmdHelp},
		"scan":      {Cmd: CmdScan},
		"imu":       {Cmd: CmdIMU},
		"read":      {Cmd: CmdRead},
		"stream":    {Cmd: CmdStream},
		"cal":       {Cmd: CmdCalibrate},
		"raw":       {Cmd: CmdRaw},
		"btn":       {Cmd: CmdButton},
		"led pulse": {Cmd: CmdLED, Mode: "pulse"},
		"m1c":       {Cmd: CmdContinuous, ID: 1},
		"m2c":       {Cmd: CmdContinuous, ID: 2},
		"mstop":     {Cmd: CmdStop},
		"mreset":    {Cmd: CmdResetPos},
		"pins":      {Cmd: CmdInfo},
		"m2 15":     {Cmd: CmdMotor, ID: 2, Steps: 15},
	}
	for line, want := range cases {
		got, err := ParseLine(line, true)
		if err != nil || got.Cmd != want.Cmd || got.ID != want.ID || got.Steps != want.Steps || got.Mode != want.Mode {
			t.Errorf("ParseLine(%q) = %+v, %v; want %+v", line, got, err, want)
		}
	}
	c, err := ParseLine("mspeed 12", true)
	if err != nil || c.Cmd != CmdSpeed || *c.Value != 12 {
		t.Errorf("mspeed: %+v, %v", c, err)
	}
}

func TestDispatch_UnknownHasNoSideEffects(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	before := *h.act
	r := h.o.Dispatch(Command{Cmd: "selfdestruct"})
	if r.OK {
		t.Error("unknown command reported OK")
	}
	if h.act.m1 != before.m1 || h.act.releases != before.releases || len(h.act.singles) != 0 {
		t.Error("unknown command touched the actuators")
	}
	h.expectState(Idle)
}

func TestDispatch_Motors(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	if r := h.o.Dispatch(Command{Cmd: CmdMotor, ID: 1, Steps: 40}); !r.OK {
		t.Fatal(r.Text)
	}
	if r := h.o.Dispatch(Command{Cmd: CmdMotor, ID: 3, Steps: 40}); r.OK {
		t.Error("invalid motor accepted")
	}
	h.o.Dispatch(Command{Cmd: CmdBoth, M1: 10, M2: -10})
	if h.act.m1 != 50 || h.act.m2 != -10 {
		t.Errorf("positions %d/%d", h.act.m1, h.act.m2)
	}

	h.o.Dispatch(Command{Cmd: CmdResetPos2})
	if h.act.m1 != 50 || h.act.m2 != 0 {
		t.Errorf("mreset2: %d/%d", h.act.m1, h.act.m2)
	}
	h.o.Dispatch(Command{Cmd: CmdResetPos1})
	if h.act.m1 != 0 {
		t.Error("mreset1 ignored")
	}

	saves := len(h.store.saves)
	v := 123.0
	h.o.Dispatch(Command{Cmd: CmdSetPos, Value: &v})
	if h.act.m1 != 123 || h.act.m2 != 123 || len(h.store.saves) != saves+1 {
		t.Error("mset did not set and persist")
	}

	h.o.Dispatch(Command{Cmd: CmdUnlock})
	if !h.act.unlocked {
		t.Error("unlock ignored")
	}
	r := h.o.Dispatch(Command{Cmd: CmdLock})
	if h.act.unlocked || !strings.Contains(r.Text, "-2048") {
		t.Errorf("lock: %q", r.Text)
	}

	r = h.o.Dispatch(Command{Cmd: CmdPositions})
	if r.Text != "[MPOS] M1:123 M2:123 MIN:-2048 MAX:2048" {
		t.Errorf("mpos = %q", r.Text)
	}

	h.o.Dispatch(Command{Cmd: CmdSpeed})
	if h.act.rpm != 10 {
		t.Errorf("default mspeed = %v", h.act.rpm)
	}
	if r := h.o.Dispatch(Command{Cmd: CmdContinuous, ID: 1}); r.OK {
		t.Error("mcont accepted outside TEST_MODE")
	}
}

func TestDispatch_ReadLeavesFilterToLoop(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.est.pitch = 2
	h.toLeveling()
	before := h.est.updates
	r := h.o.Dispatch(Command{Cmd: CmdRead})
	if !r.OK || !strings.Contains(r.Text, "Pitch: 2.00 deg") {
		t.Errorf("read = %+v", r)
	}
	r = h.o.Dispatch(Command{Cmd: CmdRaw})
	if !r.OK || !strings.Contains(r.Text, "Z=16384") {
		t.Errorf("raw = %+v", r)
	}
	if h.est.updates != before {
		t.Errorf("filter updated %d times by read/raw", h.est.updates-before)
	}
	if h.est.rawReads != 1 {
		t.Errorf("raw reads = %d, want 1", h.est.rawReads)
	}

	h.o.Dispatch(Command{Cmd: CmdReset})
	h.expectState(Idle)
	h.o.Dispatch(Command{Cmd: CmdRead})
	if h.est.updates != before+1 {
		t.Errorf("read while IDLE took %d samples, want 1", h.est.updates-before)
	}
}

// Move logging belongs to the motor pair; the fake pair logs nothing.
func TestDispatch_MotorLeavesMoveLogToActuator(t *testing.T) {
	var buf bytes.Buffer
	debug.SetOutput(&buf)
	debug.Init(debug.LevelLive)
	t.Cleanup(func() {
		debug.Init(debug.LevelOff)
		debug.SetOutput(os.Stdout)
	})

	h := newHarness(t, DefaultSettings())
	r := h.o.Dispatch(Command{Cmd: CmdMotor, ID: 1, Steps: 40})
	if !r.OK || !strings.Contains(r.Text, "Motor 1 moved 40/40 steps") {
		t.Fatalf("mmove = %+v", r)
	}
	if strings.Contains(buf.String(), "requested 40 steps") {
		t.Errorf("dispatch logged the move itself:\n%s", buf.String())
	}
}

func TestDispatch_SpeedReportsClampedRPM(t *testing.T) {
	cases := []struct {
		value float64
		want  float64
		text  string
	}{
		{100, 15, "Motor speed 15 RPM"},
		{0.2, 1, "Motor speed 1 RPM"},
		{12, 12, "Motor speed 12 RPM"},
	}
	for _, tc := range cases {
		h := newHarness(t, DefaultSettings())
		v := tc.value
		r := h.o.Dispatch(Command{Cmd: CmdSpeed, Value: &v})
		if !r.OK || !strings.Contains(r.Text, tc.text) {
			t.Errorf("mspeed %v = %q, want %q", tc.value, r.Text, tc.text)
		}
		if h.act.rpm != tc.want || h.o.test.speedRPM != tc.want {
			t.Errorf("mspeed %v: actuator %v, stored %v, want %v", tc.value, h.act.rpm, h.o.test.speedRPM, tc.want)
		}
	}
}

func TestDispatch_CalibrateOnlyWhenIdleOrTest(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.est.pitch = 2
	h.toLeveling()
	if r := h.o.Dispatch(Command{Cmd: CmdCalibrate}); r.OK {
		t.Error("calibration accepted while LEVELING")
	}
	if h.est.calibrations != 0 {
		t.Error("calibrated while LEVELING")
	}

	h.o.Dispatch(Command{Cmd: CmdReset})
	h.expectState(Idle)
	if r := h.o.Dispatch(Command{Cmd: CmdCalibrate}); !r.OK {
		t.Fatal(r.Text)
	}
	if h.est.calibrations != 1 || !h.o.Status().Calibrated {
		t.Error("calibration not run")
	}

	h.est.initErr = errors.New("gone")
	if r := h.o.Dispatch(Command{Cmd: CmdCalibrate}); r.OK {
		t.Error("calibration succeeded without sensor")
	}
}

func TestDispatch_Tuning(t *testing.T) {
	h := newHarness(t, DefaultSettings())

	kp := 2.0
	h.o.Dispatch(Command{Cmd: CmdGains, KpP: &kp})
	s := h.o.Settings()
	if s.KpPitch != 2 || s.KiPitch != 0.05 || s.KpRoll != 0.5 || s.KiRoll != 0.03 {
		t.Errorf("gains = %+v", s)
	}
	if kp, ki := h.o.corr.PitchGains(); kp != 2 || ki != 0.05 {
		t.Errorf("corrector gains %v %v", kp, ki)
	}

	for _, deg := range []float64{0, -1, 10, 25} {
		d := deg
		if r := h.o.Dispatch(Command{Cmd: CmdTolerance, Deg: &d}); r.OK {
			t.Errorf("tolerance %v accepted", deg)
		}
	}
	d := 0.8
	h.o.Dispatch(Command{Cmd: CmdTolerance, Deg: &d})
	if h.o.Settings().Tolerance != 0.8 {
		t.Error("tolerance not set")
	}

	sec := 1.5
	h.o.Dispatch(Command{Cmd: CmdStabTimeout, Sec: &sec})
	if h.o.Settings().StabilityTimeout != 1500*time.Millisecond {
		t.Errorf("stability timeout = %v", h.o.Settings().StabilityTimeout)
	}
	h.toLeveling()
}

func TestDispatch_StateRequests(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	if r := h.o.Dispatch(Command{Cmd: CmdState, To: "LEVEL_OK"}); r.OK {
		t.Error("IDLE -> LEVEL_OK allowed")
	}
	if r := h.o.Dispatch(Command{Cmd: CmdState, To: "initializing"}); !r.OK {
		t.Fatal(r.Text)
	}
	h.expectState(Initializing)
	h.o.Dispatch(Command{Cmd: CmdState, To: "SAFE_SHUTDOWN"})
	h.expectState(SafeShutdown)
	if r := h.o.Dispatch(Command{Cmd: CmdReset}); r.OK {
		t.Error("reset left SAFE_SHUTDOWN")
	}
	if r := h.o.Dispatch(Command{Cmd: CmdState, To: "bogus"}); r.OK {
		t.Error("unknown state accepted")
	}
}

func TestDispatch_SerialPassthrough(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	r := h.o.Dispatch(Command{Cmd: CmdSerial, Text: "m2 25"})
	if !r.OK || h.act.m2 != 25 {
		t.Errorf("serial m2: %+v m2=%d", r, h.act.m2)
	}
	h.o.Dispatch(Command{Cmd: CmdSerial, Text: "test"})
	h.expectState(TestMode)
	r = h.o.Dispatch(Command{Cmd: CmdSerial, Text: "m1c"})
	if !r.OK || !h.o.test.cont1 {
		t.Errorf("serial m1c in test mode: %+v", r)
	}
	if r := h.o.Dispatch(Command{Cmd: CmdSerial, Text: "nonsense"}); r.OK {
		t.Error("garbage accepted")
	}
}

func TestDispatch_ScanAndLED(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	r := h.o.Dispatch(Command{Cmd: CmdScan})
	if !strings.Contains(r.Text, "0x68 (sensor)") || !strings.Contains(r.Text, "0x3C") {
		t.Errorf("scan = %q", r.Text)
	}
	if r := h.o.Dispatch(Command{Cmd: CmdLED, Mode: "fast"}); !r.OK || h.ind.last().String() != "fast" {
		t.Errorf("led fast: %+v", r)
	}
	if r := h.o.Dispatch(Command{Cmd: CmdLED, Mode: "red"}); r.OK {
		t.Error("unknown LED mode accepted")
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.est.pitch, h.est.roll = 1.23456, -0.5
	h.est.calibrated = true
	h.act.m1, h.act.m2 = 2048, -7
	h.run(1500 * time.Millisecond)

	s := h.o.Status()
	if s.Pitch != 1.23 || s.State != "IDLE" || !s.M1Lim || s.M2Lim || s.Uptime != 1 {
		t.Errorf("status = %+v", s)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(s.JSON(), &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"t", "pitch", "roll", "ax", "ay", "az", "gx", "gy", "gz", "temp",
		"m1", "m2", "mMin", "mMax", "m1Lim", "m2Lim", "state", "cal", "level", "tol", "stMs",
		"kpP", "kiP", "kpR", "kiR", "up"} {
		if _, found := m[key]; !found {
			t.Errorf("status JSON missing %q", key)
		}
	}
	if m["t"] != "status" || m["stMs"].(float64) != 3000 {
		t.Errorf("status JSON = %v", m)
	}

	var lf map[string]string
	if err := json.Unmarshal(LogFrame("hello"), &lf); err != nil || lf["t"] != "log" || lf["msg"] != "hello" {
		t.Errorf("log frame = %v, %v", lf, err)
	}
}

func TestHandle_DeliversReply(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	var got []Reply
	done := func(r Reply) { got = append(got, r) }

	h.o.Handle(Request{Command: Command{Cmd: CmdSerial, Text: "h"}, Source: "stdin", Done: done})
	h.o.Handle(Request{Command: Command{Cmd: CmdSerial, Text: "   "}, Source: "stdin", Done: done})
	r := h.o.Handle(Request{Command: Command{Cmd: CmdPositions}, Source: "ws"})

	if len(got) != 2 {
		t.Fatalf("replies = %d, want 2", len(got))
	}
	if !got[0].OK || got[0].Text == "" {
		t.Errorf("help reply = %+v", got[0])
	}
	if got[1].OK {
		t.Error("blank console line should fail")
	}
	if !r.OK || !strings.Contains(r.Text, "[MPOS]") {
		t.Errorf("mpos reply = %+v", r)
	}
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/leveler/internal/config"
	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/logic/leveling"
	"github.com/cjeanneret/leveler/internal/store"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- app wiring ----------

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
motor1: {pins: [17, 18, 27, 22]}
motor2: {pins: [23, 24, 25, 4]}
button: {pin: 5, active_low: true}
led: {pin: 6}
control: {kp_pitch: 0.8, ki_pitch: 0.04, kp_roll: 0.4, ki_roll: 0.02, confirmation_ms: 0}
storage: {positions_file: %q}
defaults: {mock_gpio: true, status_interval_ms: 20}
`, filepath.Join(t.TempDir(), "positions.yaml"))
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := newTestConfig(t)
	s := settingsFromConfig(cfg)

	if s.KpPitch != 0.8 || s.KiPitch != 0.04 || s.KpRoll != 0.4 || s.KiRoll != 0.02 {
		t.Errorf("gains = %+v", s)
	}
	if s.Confirmation != 0 {
		t.Errorf("Confirmation = %v, want disabled", s.Confirmation)
	}
	if s.StabilityTimeout != 3*time.Second || s.UpdateInterval != 10*time.Millisecond || s.CorrectionInterval != 50*time.Millisecond {
		t.Errorf("intervals = %+v", s)
	}
	if s.Tolerance != 0.5 || s.Hysteresis != 1.5 {
		t.Errorf("tolerance/hysteresis = %v/%v", s.Tolerance, s.Hysteresis)
	}
}

type brokenWriter struct{ writes int }

func (w *brokenWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("peer gone")
}

func TestFanout_ReportsFailingWriterOnce(t *testing.T) {
	var logs bytes.Buffer
	debug.SetOutput(&logs)
	debug.Init(debug.LevelInfo)
	t.Cleanup(func() {
		debug.Init(debug.LevelOff)
		debug.SetOutput(os.Stdout)
	})

	var good bytes.Buffer
	bad := &brokenWriter{}
	f := &fanout{}
	f.Add(bad)
	f.Add(&good)
	for i := 0; i < 3; i++ {
		if _, err := f.Write([]byte("x\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if good.String() != "x\nx\nx\n" || bad.writes != 3 {
		t.Errorf("good=%q bad writes=%d", good.String(), bad.writes)
	}
	if n := strings.Count(logs.String(), "peer gone"); n != 1 {
		t.Errorf("failure reported %d times, want 1:\n%s", n, logs.String())
	}
}

func TestFanout(t *testing.T) {
	var a, b bytes.Buffer
	f := &fanout{}
	f.Add(&a)
	f.Add(&b)
	if n, err := f.Write([]byte("x\n")); n != 2 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if a.String() != "x\n" || b.String() != "x\n" {
		t.Errorf("a=%q b=%q", a.String(), b.String())
	}
}

func TestNewApp_RestoresPositions(t *testing.T) {
	cfg := newTestConfig(t)
	if err := store.NewFile(cfg.Storage.PositionsFile).Save(12, -7); err != nil {
		t.Fatalf("Save: %v", err)
	}

	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if m1, m2 := a.pair.Positions(); m1 != 12 || m2 != -7 {
		t.Errorf("positions = %d,%d, want 12,-7", m1, m2)
	}
}

func TestNewApp_ClampsRestoredPositions(t *testing.T) {
	cfg := newTestConfig(t)
	if err := store.NewFile(cfg.Storage.PositionsFile).Save(9000, -9000); err != nil {
		t.Fatalf("Save: %v", err)
	}

	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if m1, m2 := a.pair.Positions(); m1 != 2048 || m2 != -2048 {
		t.Errorf("positions = %d,%d, want 2048,-2048", m1, m2)
	}
}

func TestApp_RunHandlesRequestsAndShutsDown(t *testing.T) {
	cfg := newTestConfig(t)
	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	replies := make(chan leveling.Reply, 1)
	a.requests <- leveling.Request{
		Command: leveling.Command{Cmd: leveling.CmdPositions},
		Source:  "test",
		Done:    func(r leveling.Reply) { replies <- r },
	}
	select {
	case r := <-replies:
		if !r.OK || !strings.Contains(r.Text, "M1:0 M2:0") {
			t.Errorf("reply = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from control loop")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	m1, m2, err := store.NewFile(cfg.Storage.PositionsFile).Load()
	if err != nil || m1 != 0 || m2 != 0 {
		t.Errorf("persisted = %d,%d,%v", m1, m2, err)
	}
}

func TestApp_WebReceivesStatus(t *testing.T) {
	cfg := newTestConfig(t)
	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.enableWeb("127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.broadcaster.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	frame := string(a.broadcaster.Latest())
	if !strings.Contains(frame, `"t":"status"`) || !strings.Contains(frame, `"state":"IDLE"`) {
		t.Errorf("latest status = %q", frame)
	}
}

func TestAttachConsoles_StdinOnly(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Console.Stdin = true
	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if err := a.attachConsoles(strings.NewReader(""), &bytes.Buffer{}); err != nil {
		t.Fatalf("attachConsoles: %v", err)
	}
	if len(a.consoles) != 1 {
		t.Errorf("consoles = %d, want 1", len(a.consoles))
	}
}

func TestConnectMQTT_DisabledByDefault(t *testing.T) {
	cfg := newTestConfig(t)
	a, err := newApp(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if err := a.connectMQTT(); err == nil {
		t.Error("expected MQTT to be disabled without a broker")
	}
	if a.bridge != nil {
		t.Error("bridge should stay nil")
	}
}

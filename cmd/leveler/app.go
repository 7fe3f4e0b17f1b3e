package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/leveler/internal/config"
	"github.com/cjeanneret/leveler/internal/console"
	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/hw/button"
	"github.com/cjeanneret/leveler/internal/hw/gpio"
	"github.com/cjeanneret/leveler/internal/hw/i2c"
	"github.com/cjeanneret/leveler/internal/hw/led"
	"github.com/cjeanneret/leveler/internal/hw/mpu6050"
	"github.com/cjeanneret/leveler/internal/hw/stepper"
	"github.com/cjeanneret/leveler/internal/imu"
	"github.com/cjeanneret/leveler/internal/logic/corrector"
	"github.com/cjeanneret/leveler/internal/logic/leveling"
	"github.com/cjeanneret/leveler/internal/logic/motion"
	"github.com/cjeanneret/leveler/internal/logic/orientation"
	"github.com/cjeanneret/leveler/internal/store"
	"github.com/cjeanneret/leveler/internal/telemetry"
	"github.com/cjeanneret/leveler/internal/web"
)

// requestQueue bounds pending commands from all adapters.
const requestQueue = 16

// fanout is an io.Writer that copies to a growing set of writers. A failing
// writer never blocks the others; it is reported once until it recovers.
type fanout struct {
	mu      sync.Mutex
	ws      []io.Writer
	failing []bool
}

func (f *fanout) Add(w io.Writer) {
	f.mu.Lock()
	f.ws = append(f.ws, w)
	f.failing = append(f.failing, false)
	f.mu.Unlock()
}

func (f *fanout) Write(p []byte) (int, error) {
	var errs []error
	f.mu.Lock()
	for i, w := range f.ws {
		_, err := w.Write(p)
		if err != nil && !f.failing[i] {
			errs = append(errs, fmt.Errorf("output %d (%T): %w", i, w, err))
		}
		f.failing[i] = err != nil
	}
	f.mu.Unlock()
	for _, err := range errs {
		debug.Warn("%v", err)
	}
	return len(p), nil
}

// app owns the hardware and the adapters around one orchestrator.
type app struct {
	cfg *config.Config

	gpio   gpio.Driver
	pair   *motion.Pair
	button *button.Button
	led    *led.Indicator
	orch   *leveling.Orchestrator
	stdout io.Writer
	out    *fanout

	requests chan leveling.Request

	broadcaster *web.StatusBroadcaster
	server      *web.Server
	bridge      *telemetry.Bridge
	consoles    []*console.Console

	closers []io.Closer
}

// settingsFromConfig maps the control section onto orchestrator settings.
func settingsFromConfig(cfg *config.Config) leveling.Settings {
	k := cfg.Control
	return leveling.Settings{
		KpPitch:            k.KpPitch,
		KiPitch:            k.KiPitch,
		KpRoll:             k.KpRoll,
		KiRoll:             k.KiRoll,
		Tolerance:          k.LevelToleranceDeg,
		Logging:            k.ContinuousLogging,
		StabilityTimeout:   cfg.StabilityTimeout(),
		Confirmation:       cfg.Confirmation(),
		Hysteresis:         k.Hysteresis,
		UpdateInterval:     cfg.UpdateInterval(),
		CorrectionInterval: cfg.CorrectionInterval(),
	}
}

func pinInfo(cfg *config.Config) string {
	return fmt.Sprintf("Motor 1 pins: %v\nMotor 2 pins: %v\nButton: GPIO%d  LED: GPIO%d\nIMU: bus %d addr 0x%02X\nGPIO backend: %s",
		cfg.Motor1.Pins, cfg.Motor2.Pins, cfg.Button.Pin, cfg.LED.Pin, cfg.IMU.Bus, cfg.IMU.Address, cfg.GPIOBackend())
}

// newApp wires the hardware and the controller. On error every resource
// already opened is closed.
func newApp(cfg *config.Config, out io.Writer) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		stdout:   out,
		out:      &fanout{},
		requests: make(chan leveling.Request, requestQueue),
	}
	a.out.Add(out)
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close())
		}
	}()

	// Initialize GPIO driver
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", cfg.GPIOBackend())
	a.gpio, err = gpio.NewDriver(cfg.GPIOBackend())
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	a.closers = append(a.closers, a.gpio)

	// Initialize stepper motors
	debug.Step(2, "Initializing stepper motors")
	limits := stepper.Limits{Min: cfg.Motors.MinPosition, Max: cfg.Motors.MaxPosition}
	m1, err := stepper.NewStepper(a.gpio, stepper.Config{Name: "motor1", Pins: cfg.Motor1.Pins, Limits: limits})
	if err != nil {
		return nil, fmt.Errorf("init motor 1: %w", err)
	}
	m2, err := stepper.NewStepper(a.gpio, stepper.Config{Name: "motor2", Pins: cfg.Motor2.Pins, Limits: limits})
	if err != nil {
		return nil, fmt.Errorf("init motor 2: %w", err)
	}
	debug.PrintStruct("Motors config", cfg.Motors)
	a.pair = motion.NewController(m1, m2, cfg.Motors.MaxCorrectionSteps)
	a.pair.SetSpeed(cfg.Motors.SpeedRPM)

	positions := store.NewFile(cfg.Storage.PositionsFile)
	p1, p2, err := positions.Load()
	if err != nil {
		debug.Warn("Positions not restored: %v", err)
		p1, p2 = 0, 0
	}
	a.pair.RestorePositions(p1, p2)
	p1, p2 = a.pair.Positions()
	debug.Info("Motor positions restored: M1=%d M2=%d", p1, p2)

	// Initialize sensor
	debug.Step(3, "Initializing orientation sensor")
	opts := leveling.Options{Output: a.out, Info: pinInfo(cfg), SensorAddr: cfg.IMU.Address}
	var sensor imu.Sensor
	if cfg.Defaults.MockGPIO {
		sensor = imu.NewSimulator(cfg.Simulation.PitchDeg, cfg.Simulation.RollDeg, cfg.Simulation.DegPerStep, a.pair.Positions)
		debug.Info("Using simulated sensor (pitch %.2f°, roll %.2f°)", cfg.Simulation.PitchDeg, cfg.Simulation.RollDeg)
	} else {
		bus, err := i2c.OpenNumber(cfg.IMU.Bus)
		if err != nil {
			return nil, fmt.Errorf("open i2c bus %d: %w", cfg.IMU.Bus, err)
		}
		a.closers = append(a.closers, bus)
		sensor = mpu6050.New(bus.Dev(cfg.IMU.Address))
		opts.Scanner = bus
	}
	est := orientation.New(sensor, orientation.Params{
		Alpha:                cfg.IMU.Alpha,
		AccelMotionThreshold: cfg.IMU.AccelMotionThresholdG,
		GyroMotionThreshold:  cfg.IMU.GyroMotionThresholdDPS,
		InvertPitch:          cfg.IMU.InvertPitch,
		InvertRoll:           cfg.IMU.InvertRoll,
	})

	// Initialize button and LED
	debug.Step(4, "Initializing button and LED")
	a.button, err = button.New(a.gpio, button.Config{
		Pin:       cfg.Button.Pin,
		ActiveLow: cfg.Button.ActiveLow,
		Debounce:  cfg.Debounce(),
		LongPress: cfg.LongPress(),
	})
	if err != nil {
		return nil, fmt.Errorf("init button: %w", err)
	}
	a.led, err = led.New(a.gpio, cfg.LED.Pin, cfg.LED.ActiveLow)
	if err != nil {
		return nil, fmt.Errorf("init LED: %w", err)
	}
	a.closers = append(a.closers, a.led)

	debug.Step(5, "Creating leveling controller")
	corr := corrector.New(corrector.Geometry{
		StepsPerDegree: cfg.Motors.StepsPerDegree,
		Motor2Reversed: *cfg.Motors.Motor2Reversed,
	})
	a.orch = leveling.New(est, corr, a.pair, a.led, positions, settingsFromConfig(cfg), opts)
	return a, nil
}

// enableWeb serves the dashboard on addr and mirrors logs to its clients.
func (a *app) enableWeb(addr string) {
	a.broadcaster = web.NewStatusBroadcaster()
	bw := web.BroadcastWriter(a.broadcaster)
	a.out.Add(bw)
	debug.SetOutput(io.MultiWriter(a.stdout, bw))
	a.server = web.NewServer(addr, a.broadcaster, a.requests)
}

// connectMQTT starts the telemetry bridge when a broker is configured.
func (a *app) connectMQTT() error {
	b, err := telemetry.Connect(a.cfg.MQTT, a.requests)
	if err != nil {
		return err
	}
	a.bridge = b
	a.out.Add(b)
	a.closers = append(a.closers, b)
	return nil
}

// attachConsoles adds the stdin console and the serial console as configured.
func (a *app) attachConsoles(stdin io.Reader, stdout io.Writer) error {
	if a.cfg.Console.Stdin {
		a.consoles = append(a.consoles, console.New("stdin", stdin, stdout, a.requests))
	}
	if port := a.cfg.Console.SerialPort; port != "" {
		sp, err := console.OpenSerial(port, a.cfg.Console.Baud)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sp)
		c := console.New(port, sp, sp, a.requests)
		a.out.Add(c)
		a.consoles = append(a.consoles, c)
		debug.Info("Serial console on %s @ %d baud", port, a.cfg.Console.Baud)
	}
	return nil
}

func (a *app) publishStatus() {
	st := a.orch.Status()
	if a.broadcaster != nil {
		a.broadcaster.PublishStatus(st)
	}
	if a.bridge != nil {
		if err := a.bridge.PublishStatus(st); err != nil {
			debug.Warn("%v", err)
		}
	}
}

// loop is the single control goroutine: button, commands, state machine,
// LED and status publishing.
func (a *app) loop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.LoopInterval())
	defer ticker.Stop()

	var statusT leveling.Timer
	a.orch.Start(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.requests:
			a.orch.Handle(r)
		case now := <-ticker.C:
			ev := a.button.Update(now)
			a.orch.Tick(now, ev)
			a.led.Update(now)
			if statusT.Due(now, a.cfg.StatusInterval()) {
				a.publishStatus()
			}
		}
	}
}

// run starts the adapters and the control loop and blocks until ctx ends.
func (a *app) run(ctx context.Context) error {
	var wg sync.WaitGroup
	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Run(ctx); err != nil {
				debug.Error(fmt.Errorf("web server: %w", err))
			}
		}()
	}
	for _, c := range a.consoles {
		go func(c *console.Console) {
			if err := c.Run(ctx); err != nil {
				debug.Error(err)
			}
		}(c)
	}

	a.loop(ctx)
	debug.Section("Shutdown")
	a.orch.Shutdown()
	wg.Wait()
	return a.close()
}

// close releases every resource in reverse order of acquisition.
func (a *app) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MotorConfig holds the coil wiring of one 28BYJ-48 through a ULN2003 board.
type MotorConfig struct {
	Pins [4]int `yaml:"pins"` // IN1..IN4 (BCM)
}

// MotorsConfig holds the parameters shared by both motors.
type MotorsConfig struct {
	MinPosition        int64   `yaml:"min_position"`         // lower travel bound in steps
	MaxPosition        int64   `yaml:"max_position"`         // upper travel bound in steps
	SpeedRPM           float64 `yaml:"speed_rpm"`            // 1-15
	MaxCorrectionSteps int     `yaml:"max_correction_steps"` // per correction cycle
	StepsPerDegree     float64 `yaml:"steps_per_degree"`     // PI output to steps
	Motor2Reversed     *bool   `yaml:"motor2_reversed"`      // nil = default (true); lead screw mounted the other way round
}

// ButtonConfig describes the start/stop push button.
type ButtonConfig struct {
	Pin         int  `yaml:"pin"`
	ActiveLow   bool `yaml:"active_low"` // pulls to ground when pressed
	DebounceMs  int  `yaml:"debounce_ms"`
	LongPressMs int  `yaml:"long_press_ms"`
}

// LEDConfig describes the status LED.
type LEDConfig struct {
	Pin       int  `yaml:"pin"`
	ActiveLow bool `yaml:"active_low"`
}

// IMUConfig describes the MPU-6050 link and the fusion filter.
type IMUConfig struct {
	Bus                    int     `yaml:"bus"`     // /dev/i2c-N
	Address                uint16  `yaml:"address"` // 0x68 or 0x69
	Alpha                  float64 `yaml:"alpha"`   // accelerometer weight
	AccelMotionThresholdG  float64 `yaml:"accel_motion_threshold_g"`
	GyroMotionThresholdDPS float64 `yaml:"gyro_motion_threshold_dps"`
	InvertPitch            bool    `yaml:"invert_pitch"`
	InvertRoll             bool    `yaml:"invert_roll"`
}

// ControlConfig holds the leveling loop tuning.
type ControlConfig struct {
	KpPitch              float64 `yaml:"kp_pitch"`
	KiPitch              float64 `yaml:"ki_pitch"`
	KpRoll               float64 `yaml:"kp_roll"`
	KiRoll               float64 `yaml:"ki_roll"`
	LevelToleranceDeg    float64 `yaml:"level_tolerance_deg"`
	StabilityTimeoutMs   int     `yaml:"stability_timeout_ms"`
	ConfirmationMs       *int    `yaml:"confirmation_ms"` // nil = default, 0 = disabled
	Hysteresis           float64 `yaml:"hysteresis"`      // tolerance multiplier in LEVEL_OK
	UpdateIntervalMs     int     `yaml:"update_interval_ms"`
	CorrectionIntervalMs int     `yaml:"correction_interval_ms"`
	ContinuousLogging    bool    `yaml:"continuous_logging"`
}

// SimulationConfig describes the simulated platform used with mock GPIO.
type SimulationConfig struct {
	PitchDeg   float64 `yaml:"pitch_deg"`
	RollDeg    float64 `yaml:"roll_deg"`
	DegPerStep float64 `yaml:"deg_per_step"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	PositionsFile string `yaml:"positions_file"`
}

// MQTTConfig enables the telemetry bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ConsoleConfig selects where text commands come from.
type ConsoleConfig struct {
	Stdin      bool   `yaml:"stdin"`
	SerialPort string `yaml:"serial_port"` // e.g. /dev/ttyUSB0, empty = none
	Baud       int    `yaml:"baud"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel       int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO         bool   `yaml:"mock_gpio"`    // mock GPIO and simulated sensor (dev/test)
	GPIOBackend      string `yaml:"gpio_backend"` // rpio or gpiocdev
	LoopIntervalMs   int    `yaml:"loop_interval_ms"`
	StatusIntervalMs int    `yaml:"status_interval_ms"`
}

// Config aggregates all application configuration.
type Config struct {
	Motor1     MotorConfig      `yaml:"motor1"`
	Motor2     MotorConfig      `yaml:"motor2"`
	Motors     MotorsConfig     `yaml:"motors"`
	Button     ButtonConfig     `yaml:"button"`
	LED        LEDConfig        `yaml:"led"`
	IMU        IMUConfig        `yaml:"imu"`
	Control    ControlConfig    `yaml:"control"`
	Simulation SimulationConfig `yaml:"simulation"`
	Storage    StorageConfig    `yaml:"storage"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Console    ConsoleConfig    `yaml:"console"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, with no parent traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q escapes its directory", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have a .yaml extension: %q", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %q", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	m := &c.Motors
	if m.MinPosition == 0 && m.MaxPosition == 0 {
		m.MinPosition, m.MaxPosition = -2048, 2048
	}
	if m.SpeedRPM == 0 {
		m.SpeedRPM = 10
	}
	if m.MaxCorrectionSteps <= 0 {
		m.MaxCorrectionSteps = 50
	}
	if m.StepsPerDegree == 0 {
		m.StepsPerDegree = 60
	}
	if m.Motor2Reversed == nil {
		v := true
		m.Motor2Reversed = &v
	}

	if c.Button.DebounceMs <= 0 {
		c.Button.DebounceMs = 50
	}
	if c.Button.LongPressMs <= 0 {
		c.Button.LongPressMs = 2000
	}

	i := &c.IMU
	if i.Bus == 0 {
		i.Bus = 1
	}
	if i.Address == 0 {
		i.Address = 0x68
	}
	if i.Alpha == 0 {
		i.Alpha = 0.15
	}
	if i.AccelMotionThresholdG == 0 {
		i.AccelMotionThresholdG = 0.15
	}
	if i.GyroMotionThresholdDPS == 0 {
		i.GyroMotionThresholdDPS = 10
	}

	k := &c.Control
	if k.KpPitch == 0 && k.KiPitch == 0 && k.KpRoll == 0 && k.KiRoll == 0 {
		k.KpPitch, k.KiPitch, k.KpRoll, k.KiRoll = 1.0, 0.05, 0.5, 0.03
	}
	if k.LevelToleranceDeg == 0 {
		k.LevelToleranceDeg = 0.5
	}
	if k.StabilityTimeoutMs <= 0 {
		k.StabilityTimeoutMs = 3000
	}
	if k.ConfirmationMs == nil {
		v := 500
		k.ConfirmationMs = &v
	}
	if k.Hysteresis == 0 {
		k.Hysteresis = 1.5
	}
	if k.UpdateIntervalMs <= 0 {
		k.UpdateIntervalMs = 10
	}
	if k.CorrectionIntervalMs <= 0 {
		k.CorrectionIntervalMs = 50
	}

	if c.Simulation.DegPerStep == 0 {
		c.Simulation.DegPerStep = 0.02
	}
	if c.Storage.PositionsFile == "" {
		c.Storage.PositionsFile = filepath.Join("state", "positions.yaml")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "leveler"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "leveler"
	}
	if c.Console.Baud <= 0 {
		c.Console.Baud = 115200
	}
	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = "rpio"
	}
	if c.Defaults.LoopIntervalMs <= 0 {
		c.Defaults.LoopIntervalMs = 1
	}
	if c.Defaults.StatusIntervalMs <= 0 {
		c.Defaults.StatusIntervalMs = 200
	}
}

// Validate checks ranges and pin assignments.
func (c *Config) Validate() error {
	if c.Motors.MinPosition >= c.Motors.MaxPosition {
		return fmt.Errorf("motors.min_position (%d) must be < max_position (%d)", c.Motors.MinPosition, c.Motors.MaxPosition)
	}
	if c.Motors.SpeedRPM < 1 || c.Motors.SpeedRPM > 15 {
		return fmt.Errorf("motors.speed_rpm must be between 1 and 15, got %g", c.Motors.SpeedRPM)
	}
	if c.Motors.StepsPerDegree <= 0 {
		return fmt.Errorf("motors.steps_per_degree must be > 0, got %g", c.Motors.StepsPerDegree)
	}
	if c.IMU.Alpha <= 0 || c.IMU.Alpha >= 1 {
		return fmt.Errorf("imu.alpha must be between 0 and 1, got %g", c.IMU.Alpha)
	}
	if c.IMU.Address > 0x7F {
		return fmt.Errorf("imu.address 0x%X is not a 7-bit address", c.IMU.Address)
	}
	if c.Control.LevelToleranceDeg <= 0 || c.Control.LevelToleranceDeg >= 10 {
		return fmt.Errorf("control.level_tolerance_deg must be between 0 and 10, got %g", c.Control.LevelToleranceDeg)
	}
	if c.Control.Hysteresis < 1 {
		return fmt.Errorf("control.hysteresis must be >= 1, got %g", c.Control.Hysteresis)
	}
	if *c.Control.ConfirmationMs < 0 {
		return fmt.Errorf("control.confirmation_ms must be >= 0, got %d", *c.Control.ConfirmationMs)
	}
	switch c.Defaults.GPIOBackend {
	case "rpio", "gpiocdev":
	default:
		return fmt.Errorf("defaults.gpio_backend must be rpio or gpiocdev, got %q", c.Defaults.GPIOBackend)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return c.validatePins()
}

func (c *Config) validatePins() error {
	used := map[int]string{}
	claim := func(pin int, name string) error {
		if pin < 0 || pin > 27 {
			return fmt.Errorf("%s: GPIO%d out of range 0-27", name, pin)
		}
		if other, dup := used[pin]; dup {
			return fmt.Errorf("%s: GPIO%d already used by %s", name, pin, other)
		}
		used[pin] = name
		return nil
	}
	for i, p := range c.Motor1.Pins {
		if err := claim(p, fmt.Sprintf("motor1.pins[%d]", i)); err != nil {
			return err
		}
	}
	for i, p := range c.Motor2.Pins {
		if err := claim(p, fmt.Sprintf("motor2.pins[%d]", i)); err != nil {
			return err
		}
	}
	if err := claim(c.Button.Pin, "button.pin"); err != nil {
		return err
	}
	return claim(c.LED.Pin, "led.pin")
}

// GPIOBackend returns the driver name, "mock" when mock_gpio is set.
func (c *Config) GPIOBackend() string {
	if c.Defaults.MockGPIO {
		return "mock"
	}
	return c.Defaults.GPIOBackend
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Debounce returns the button debounce time.
func (c *Config) Debounce() time.Duration { return ms(c.Button.DebounceMs) }

// LongPress returns the long-press threshold.
func (c *Config) LongPress() time.Duration { return ms(c.Button.LongPressMs) }

// StabilityTimeout returns how long the platform must be still before leveling.
func (c *Config) StabilityTimeout() time.Duration { return ms(c.Control.StabilityTimeoutMs) }

// Confirmation returns the in-tolerance confirmation time.
func (c *Config) Confirmation() time.Duration { return ms(*c.Control.ConfirmationMs) }

// UpdateInterval returns the sensor sampling period.
func (c *Config) UpdateInterval() time.Duration { return ms(c.Control.UpdateIntervalMs) }

// CorrectionInterval returns the correction cadence.
func (c *Config) CorrectionInterval() time.Duration { return ms(c.Control.CorrectionIntervalMs) }

// LoopInterval returns the main loop period.
func (c *Config) LoopInterval() time.Duration { return ms(c.Defaults.LoopIntervalMs) }

// StatusInterval returns the status publication period.
func (c *Config) StatusInterval() time.Duration { return ms(c.Defaults.StatusIntervalMs) }

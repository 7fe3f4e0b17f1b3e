package mpu6050

import (
	"fmt"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/imu"
)

var sleep = time.Sleep

// Minimal MPU-6050 driver: identity probe, wake-up, 100 Hz sample rate,
// ~44 Hz DLPF, +-2 g and +-250 deg/s ranges, burst reads of the
// accel/temp/gyro block.

const (
	addrDefault = 0x68

	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXoutH  = 0x3B // accel(6) temp(2) gyro(6)
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75

	whoAmIVal = 0x68

	smplrtDiv100Hz = 0x09 // 1 kHz / (1 + 9)
	dlpf44Hz       = 0x03
	fsGyro250dps   = 0x00
	fsAccel2g      = 0x00
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// DefaultAddress returns the MPU-6050 address with AD0 low.
func DefaultAddress() uint16 { return addrDefault }

// Device is an MPU-6050 on an I2C link.
type Device struct {
	dev regIO
}

// New binds a device to its register IO. Nothing is sent until Init.
func New(dev regIO) *Device {
	return &Device{dev: dev}
}

// Init verifies WHO_AM_I, wakes the device and programs rate, filter and ranges.
func (d *Device) Init() error {
	if d == nil || d.dev == nil {
		return fmt.Errorf("mpu6050: dev is nil")
	}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return fmt.Errorf("mpu6050: no response on i2c bus: %w", err)
	}
	if who != whoAmIVal {
		return fmt.Errorf("mpu6050: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	// Clear the sleep bit.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x00); err != nil {
		return fmt.Errorf("mpu6050: wake failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	writes := []struct {
		reg, val byte
		what     string
	}{
		{regSmplrtDiv, smplrtDiv100Hz, "sample rate"},
		{regConfig, dlpf44Hz, "dlpf"},
		{regGyroConfig, fsGyro250dps, "gyro range"},
		{regAccelConfig, fsAccel2g, "accel range"},
	}
	for _, w := range writes {
		if err := d.dev.WriteReg(w.reg, w.val); err != nil {
			return fmt.Errorf("mpu6050: %s config failed: %w", w.what, err)
		}
	}

	debug.Info("MPU6050: initialized (100 Hz, DLPF 44 Hz, +-2g, +-250 dps)")
	return nil
}

// ReadRaw burst-reads one big-endian sample.
func (d *Device) ReadRaw() (imu.Raw, error) {
	if d == nil || d.dev == nil {
		return imu.Raw{}, fmt.Errorf("mpu6050: device is nil")
	}
	var buf [14]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return imu.Raw{}, fmt.Errorf("mpu6050: read sensors failed: %w", err)
	}
	be := func(i int) int16 { return int16(uint16(buf[i])<<8 | uint16(buf[i+1])) }
	return imu.Raw{
		Ax:   be(0),
		Ay:   be(2),
		Az:   be(4),
		Temp: be(6),
		Gx:   be(8),
		Gy:   be(10),
		Gz:   be(12),
	}, nil
}

//go:build !linux

package gpio

import "fmt"

// CdevDriver is unavailable outside Linux.
type CdevDriver struct{}

func NewCdevDriver() (*CdevDriver, error) {
	return nil, fmt.Errorf("gpio: character device backend unsupported on this platform")
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error { return fmt.Errorf("gpio: unsupported") }
func (c *CdevDriver) WritePin(pin int, level Level) error  { return fmt.Errorf("gpio: unsupported") }
func (c *CdevDriver) ReadPin(pin int) (Level, error)       { return Low, fmt.Errorf("gpio: unsupported") }
func (c *CdevDriver) Close() error                         { return nil }

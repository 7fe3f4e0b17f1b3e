package imu

// Raw is a single raw accelerometer/gyroscope/temperature sample in
// device counts, as read from the sensor registers.
type Raw struct {
	Ax int16 `json:"ax"` // accel
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	Gx int16 `json:"gx"` // gyro
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`

	Temp int16 `json:"temp"`
}

// Sensor is an inertial sensor that can be brought up and sampled.
type Sensor interface {
	Init() error
	ReadRaw() (Raw, error)
}

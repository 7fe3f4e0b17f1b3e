package leveling

import (
	"encoding/json"
	"math"
	"time"
)

// Status is an immutable snapshot of the controller for monitoring.
type Status struct {
	Type string `json:"t"`

	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Ax    float64 `json:"ax"`
	Ay    float64 `json:"ay"`
	Az    float64 `json:"az"`
	Gx    float64 `json:"gx"`
	Gy    float64 `json:"gy"`
	Gz    float64 `json:"gz"`
	Temp  float64 `json:"temp"`

	M1    int64 `json:"m1"`
	M2    int64 `json:"m2"`
	MMin  int64 `json:"mMin"`
	MMax  int64 `json:"mMax"`
	M1Lim bool  `json:"m1Lim"`
	M2Lim bool  `json:"m2Lim"`

	State      string  `json:"state"`
	Calibrated bool    `json:"cal"`
	Level      bool    `json:"level"`
	Moving     bool    `json:"moving"`
	Tolerance  float64 `json:"tol"`
	StabMs     int64   `json:"stMs"`
	KpPitch    float64 `json:"kpP"`
	KiPitch    float64 `json:"kiP"`
	KpRoll     float64 `json:"kpR"`
	KiRoll     float64 `json:"kiR"`
	Logging    bool    `json:"log"`
	StepUs     int64   `json:"stepUs"`
	InStateMs  int64   `json:"inStateMs"`
	Uptime     int64   `json:"up"` // seconds
}

// Status builds a snapshot as of the last Tick.
func (o *Orchestrator) Status() Status {
	r := o.est.Reading()
	m1, m2 := o.act.Positions()
	lim := o.act.Limits()
	s := o.settings
	return Status{
		Type:       "status",
		Pitch:      round(r.Pitch, 2),
		Roll:       round(r.Roll, 2),
		Ax:         round(r.AccelX, 3),
		Ay:         round(r.AccelY, 3),
		Az:         round(r.AccelZ, 3),
		Gx:         round(r.GyroX, 1),
		Gy:         round(r.GyroY, 1),
		Gz:         round(r.GyroZ, 1),
		Temp:       round(r.Temperature, 1),
		M1:         m1,
		M2:         m2,
		MMin:       lim.Min,
		MMax:       lim.Max,
		M1Lim:      o.act.AtLimit(1),
		M2Lim:      o.act.AtLimit(2),
		State:      o.state.String(),
		Calibrated: o.est.Calibrated(),
		Level:      o.est.IsLevel(s.Tolerance),
		Moving:     o.est.Moving(),
		Tolerance:  s.Tolerance,
		StabMs:     s.StabilityTimeout.Milliseconds(),
		KpPitch:    s.KpPitch,
		KiPitch:    s.KiPitch,
		KpRoll:     s.KpRoll,
		KiRoll:     s.KiRoll,
		Logging:    s.Logging,
		StepUs:     o.act.StepDelay().Microseconds(),
		InStateMs:  o.now.Sub(o.entered).Milliseconds(),
		Uptime:     int64(o.now.Sub(o.started) / time.Second),
	}
}

// JSON encodes the snapshot as a status frame.
func (s Status) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// LogFrame wraps an operator line for the monitoring channel.
func LogFrame(msg string) []byte {
	b, _ := json.Marshal(struct {
		Type string `json:"t"`
		Msg  string `json:"msg"`
	}{"log", msg})
	return b
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

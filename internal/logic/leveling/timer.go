package leveling

import "time"

// Timer is a soft timer driven by the caller's clock.
type Timer struct {
	start   time.Time
	running bool
}

// Start (re)arms the timer at now.
func (t *Timer) Start(now time.Time) {
	t.start = now
	t.running = true
}

func (t *Timer) Stop() { t.running = false }

func (t *Timer) Running() bool { return t.running }

// Elapsed is the time since Start, or zero when stopped.
func (t *Timer) Elapsed(now time.Time) time.Duration {
	if !t.running {
		return 0
	}
	return now.Sub(t.start)
}

// Due reports whether interval has passed since the last due point and
// re-arms the timer if so. A stopped timer is due immediately.
func (t *Timer) Due(now time.Time, interval time.Duration) bool {
	if t.running && now.Sub(t.start) < interval {
		return false
	}
	t.Start(now)
	return true
}

package leveling

import (
	"fmt"
	"strings"
)

// State is the controller mode. Exactly one is active at a time.
type State int

const (
	Idle State = iota
	Initializing
	WaitForStable
	Leveling
	LevelOK
	Error
	TestMode
	SafeShutdown
)

var stateNames = [...]string{
	Idle:          "IDLE",
	Initializing:  "INITIALIZING",
	WaitForStable: "WAIT_FOR_STABLE",
	Leveling:      "LEVELING",
	LevelOK:       "LEVEL_OK",
	Error:         "ERROR",
	TestMode:      "TEST_MODE",
	SafeShutdown:  "SAFE_SHUTDOWN",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state in declaration order.
func States() []State {
	return []State{Idle, Initializing, WaitForStable, Leveling, LevelOK, Error, TestMode, SafeShutdown}
}

// ParseState accepts a state name, case-insensitively.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, s := range States() {
		if s.String() == name {
			return s, nil
		}
	}
	return Idle, fmt.Errorf("unknown state %q", name)
}

// Trigger is an input that may move the state machine.
type Trigger int

const (
	Start      Trigger = iota // operator start from IDLE
	Retry                     // operator retry from ERROR
	InitOK                    // sensor came up
	InitFailed                // sensor did not answer
	Stable                    // no motion for the stability timeout
	Motion                    // motion detected
	Leveled                   // within tolerance for the confirmation time
	Drift                     // outside the widened tolerance
	LongHold                  // long button press
	Short                     // short button press out of SAFE_SHUTDOWN
	Reset                     // operator reset to IDLE
	EnterTest
	ExitTest
)

var triggerNames = [...]string{
	Start:      "start",
	Retry:      "retry",
	InitOK:     "init-ok",
	InitFailed: "init-failed",
	Stable:     "stable",
	Motion:     "motion",
	Leveled:    "leveled",
	Drift:      "drift",
	LongHold:   "long-hold",
	Short:      "short",
	Reset:      "reset",
	EnterTest:  "enter-test",
	ExitTest:   "exit-test",
}

func (t Trigger) String() string {
	if t >= 0 && int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// Triggers lists every trigger in declaration order.
func Triggers() []Trigger {
	out := make([]Trigger, len(triggerNames))
	for i := range out {
		out[i] = Trigger(i)
	}
	return out
}

var transitions = buildTransitions()

func buildTransitions() map[State]map[Trigger]State {
	t := map[State]map[Trigger]State{
		Idle:          {Start: Initializing},
		Initializing:  {InitOK: WaitForStable, InitFailed: Error},
		WaitForStable: {Stable: Leveling},
		Leveling:      {Motion: WaitForStable, Leveled: LevelOK},
		LevelOK:       {Motion: WaitForStable, Drift: Leveling},
		Error:         {Retry: Initializing},
		TestMode:      {ExitTest: Idle},
		SafeShutdown:  {Short: Idle},
	}
	for _, s := range States() {
		if s == SafeShutdown {
			continue
		}
		t[s][LongHold] = SafeShutdown
		t[s][Reset] = Idle
		if s != TestMode {
			t[s][EnterTest] = TestMode
		}
	}
	return t
}

// Next looks up the transition for trigger in state. ok is false when the
// trigger is not accepted there.
func Next(s State, t Trigger) (State, bool) {
	to, ok := transitions[s][t]
	return to, ok
}

package leveling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command tags.
const (
	CmdMotor       = "motor"
	CmdBoth        = "both"
	CmdStop        = "mstop"
	CmdSpeed       = "mspeed"
	CmdContinuous  = "mcont"
	CmdResetPos    = "mreset"
	CmdResetPos1   = "mreset1"
	CmdResetPos2   = "mreset2"
	CmdSetPos      = "mset"
	CmdUnlock      = "munlock"
	CmdLock        = "mlock"
	CmdPositions   = "mpos"
	CmdCalibrate   = "calibrate"
	CmdScan        = "scan"
	CmdStream      = "stream"
	CmdState       = "state"
	CmdGains       = "gains"
	CmdTolerance   = "tolerance"
	CmdStabTimeout = "stabTimeout"
	CmdLED         = "led"
	CmdRelease     = "release"
	CmdSerial      = "serial"

	CmdHelp   = "help"
	CmdStatus = "status"
	CmdData   = "data"
	CmdRead   = "read"
	CmdRaw    = "raw"
	CmdIMU    = "imu"
	CmdReset  = "reset"
	CmdLog    = "log"
	CmdInfo   = "info"
	CmdButton = "btn"
	CmdExit   = "exit"
)

// Command is one parsed operator request, from either the JSON channel or
// the text console.
type Command struct {
	Cmd   string   `json:"cmd"`
	ID    int      `json:"id,omitempty"`
	Steps int      `json:"steps,omitempty"`
	M1    int      `json:"m1,omitempty"`
	M2    int      `json:"m2,omitempty"`
	Value *float64 `json:"value,omitempty"`
	To    string   `json:"to,omitempty"`
	KpP   *float64 `json:"kpP,omitempty"`
	KiP   *float64 `json:"kiP,omitempty"`
	KpR   *float64 `json:"kpR,omitempty"`
	KiR   *float64 `json:"kiR,omitempty"`
	Deg   *float64 `json:"deg,omitempty"`
	Sec   *float64 `json:"sec,omitempty"`
	Mode  string   `json:"mode,omitempty"`
	Text  string   `json:"text,omitempty"`

	// Query asks for the current value instead of setting it (console only).
	Query bool `json:"-"`
}

// ErrEmptyCommand is returned for blank input or a frame without "cmd".
var ErrEmptyCommand = errors.New("empty command")

// ParseJSON decodes a remote frame such as {"cmd":"motor","id":1,"steps":100}.
func ParseJSON(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.Cmd == "" {
		return Command{}, ErrEmptyCommand
	}
	return c, nil
}

// remoteTags are accepted verbatim as console words as well.
var remoteTags = map[string]bool{
	CmdStop: true, CmdResetPos: true, CmdResetPos1: true, CmdResetPos2: true,
	CmdUnlock: true, CmdLock: true, CmdPositions: true, CmdCalibrate: true,
	CmdScan: true, CmdStream: true, CmdRelease: true, CmdRaw: true, CmdRead: true,
	CmdButton: true, CmdStatus: true, CmdHelp: true, CmdExit: true, CmdReset: true,
	CmdInfo: true, CmdIMU: true,
}

// ParseLine decodes a console line. testMode selects the maintenance
// command set.
func ParseLine(line string, testMode bool) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	word := strings.ToLower(fields[0])
	args := fields[1:]

	if word == "admin" || word == "test" {
		return Command{Cmd: CmdState, To: TestMode.String()}, nil
	}

	// m1 <n>, m2 <n> and the compact m1<n> form.
	if strings.HasPrefix(word, "m1") || strings.HasPrefix(word, "m2") {
		if c, ok, err := parseJog(word, args); ok {
			return c, err
		}
	}

	if testMode {
		switch word {
		case "menu", "?":
			return Command{Cmd: CmdHelp}, nil
		case "cal":
			return Command{Cmd: CmdCalibrate}, nil
		case "m1c":
			return Command{Cmd: CmdContinuous, ID: 1}, nil
		case "m2c":
			return Command{Cmd: CmdContinuous, ID: 2}, nil
		case "pins":
			return Command{Cmd: CmdInfo}, nil
		case CmdLED:
			if len(args) != 1 {
				return Command{}, fmt.Errorf("usage: led on|off|slow|fast|pulse|error|cycle")
			}
			return Command{Cmd: CmdLED, Mode: strings.ToLower(args[0])}, nil
		case CmdSpeed:
			v, err := floatArg(args, "mspeed <rpm>")
			if err != nil {
				return Command{}, err
			}
			return Command{Cmd: CmdSpeed, Value: &v}, nil
		}
	} else {
		switch word {
		case "h", "?":
			return Command{Cmd: CmdHelp}, nil
		case "s":
			return Command{Cmd: CmdStatus}, nil
		case "i":
			return Command{Cmd: CmdData}, nil
		case "c":
			return Command{Cmd: CmdCalibrate}, nil
		case "r":
			return Command{Cmd: CmdReset}, nil
		case "l":
			return Command{Cmd: CmdLog}, nil
		case "p":
			if len(args) == 0 {
				return Command{Cmd: CmdGains, Query: true}, nil
			}
			if len(args) != 2 {
				return Command{}, fmt.Errorf("usage: p <kp> <ki>")
			}
			kp, err1 := strconv.ParseFloat(args[0], 64)
			ki, err2 := strconv.ParseFloat(args[1], 64)
			if err1 != nil || err2 != nil {
				return Command{}, fmt.Errorf("usage: p <kp> <ki>")
			}
			// The console sets both axes to the same gains.
			return Command{Cmd: CmdGains, KpP: &kp, KiP: &ki, KpR: &kp, KiR: &ki}, nil
		case "t":
			if len(args) == 0 {
				return Command{Cmd: CmdTolerance, Query: true}, nil
			}
			v, err := floatArg(args, "t <degrees>")
			if err != nil {
				return Command{}, err
			}
			return Command{Cmd: CmdTolerance, Deg: &v}, nil
		}
	}

	if remoteTags[word] {
		return Command{Cmd: word}, nil
	}
	return Command{}, fmt.Errorf("unknown command %q", fields[0])
}

func parseJog(word string, args []string) (Command, bool, error) {
	id := int(word[1] - '0')
	rest := word[2:]
	if rest == "" && len(args) == 0 {
		return Command{}, false, nil
	}
	if rest == "" {
		rest = args[0]
	}
	steps, err := strconv.Atoi(rest)
	if err != nil {
		if word == "m1c" || word == "m2c" {
			return Command{}, false, nil
		}
		return Command{}, true, fmt.Errorf("usage: m%d <steps>", id)
	}
	return Command{Cmd: CmdMotor, ID: id, Steps: steps}, true, nil
}

func floatArg(args []string, usage string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return v, nil
}

// Request carries a command from an adapter goroutine to the control loop.
// Done, when set, receives the reply on the control goroutine and must not block.
type Request struct {
	Command Command
	Source  string
	Done    func(Reply)
}

package shared

import (
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the wire protocol version stamped on outgoing state updates.
const ProtocolVersion = "1.1.0"

// ProtocolConstraint is the range of peer protocol versions this build accepts.
const ProtocolConstraint = "^1.0.0"

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMalformed          = errors.New("malformed message")
	ErrUnknownMode        = errors.New("unknown mode")
	ErrUnknownProtocol    = errors.New("unknown protocol")
)

// Mode is the PWF (Park/StandBy/Warning/Flash) mode shared by every channel.
type Mode string

const (
	ModePark    Mode = "P"
	ModeStandBy Mode = "S"
	ModeWarning Mode = "W"
	ModeFlash   Mode = "F"
)

// Modes lists every mode in declaration order.
var Modes = []Mode{ModePark, ModeStandBy, ModeWarning, ModeFlash}

func (m Mode) Valid() bool {
	switch m {
	case ModePark, ModeStandBy, ModeWarning, ModeFlash:
		return true
	}
	return false
}

// Name returns the long form of the mode, e.g. "Warning".
func (m Mode) Name() string {
	switch m {
	case ModePark:
		return "Park"
	case ModeStandBy:
		return "StandBy"
	case ModeWarning:
		return "Warning"
	case ModeFlash:
		return "Flash"
	}
	return string(m)
}

// ParseMode accepts the single-letter wire form or the long name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p", "park":
		return ModePark, nil
	case "s", "standby", "stand-by":
		return ModeStandBy, nil
	case "w", "warning":
		return ModeWarning, nil
	case "f", "flash":
		return ModeFlash, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type LampState string

const (
	LampOff LampState = "off"
	LampOn  LampState = "on"
)

func (l LampState) Valid() bool {
	return l == LampOff || l == LampOn
}

func LampFromBool(on bool) LampState {
	if on {
		return LampOn
	}
	return LampOff
}

type ButtonState string

const (
	ButtonNotPressed ButtonState = "not pressed"
	ButtonPressed    ButtonState = "pressed"
)

func (b ButtonState) Valid() bool {
	return b == ButtonNotPressed || b == ButtonPressed
}

// Toggle returns the opposite button state.
func (b ButtonState) Toggle() ButtonState {
	if b == ButtonPressed {
		return ButtonNotPressed
	}
	return ButtonPressed
}

// Protocol tags an independent lamp/button channel.
type Protocol string

const (
	ProtocolCAN Protocol = "CAN"
	ProtocolLIN Protocol = "LIN"
)

// Protocols lists every channel in a stable order.
var Protocols = []Protocol{ProtocolCAN, ProtocolLIN}

func (p Protocol) Valid() bool {
	return p == ProtocolCAN || p == ProtocolLIN
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CAN", "A":
		return ProtocolCAN, nil
	case "LIN", "B":
		return ProtocolLIN, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// Signal names written to the signal log and used for wire fields.
const (
	SignalMode = "pwf"
)

// LampSignal returns the signal name carrying the lamp state for p.
func LampSignal(p Protocol) string {
	if p == ProtocolLIN {
		return "ledL"
	}
	return "led"
}

// ButtonSignal returns the signal name carrying the button state for p.
func ButtonSignal(p Protocol) string {
	if p == ProtocolLIN {
		return "buttonL"
	}
	return "button"
}

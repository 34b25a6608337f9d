package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/gatelink/internal/codec"
)

// Timestamped is a value paired with the time it was observed.
type Timestamped[T any] struct {
	Value T         `json:"value"`
	At    time.Time `json:"at"`
}

// BinaryState is the level of a digital line.
type BinaryState bool

const (
	Off BinaryState = false
	On  BinaryState = true
)

func (s BinaryState) String() string {
	if s {
		return "On"
	}
	return "Off"
}

// ParseBinaryState accepts "On" and "Off" in any case.
func ParseBinaryState(s string) (BinaryState, error) {
	switch {
	case strings.EqualFold(s, "on"):
		return On, nil
	case strings.EqualFold(s, "off"):
		return Off, nil
	}
	return Off, fmt.Errorf("unknown binary state %q", s)
}

// PWM describes a pulse-width-modulated signal.
type PWM struct {
	// DutyCycle is the fraction of each period the line is high, 0 to 1.
	DutyCycle   float64 `json:"duty_cycle"`
	FrequencyHz float64 `json:"frequency_hz"`
}

// Validate checks the duty cycle range and that the frequency is positive.
func (p PWM) Validate() error {
	if p.DutyCycle < 0 || p.DutyCycle > 1 {
		return fmt.Errorf("duty cycle %v out of range [0,1]", p.DutyCycle)
	}
	if p.FrequencyHz <= 0 {
		return fmt.Errorf("frequency %v Hz must be positive", p.FrequencyHz)
	}
	return nil
}

// Mode selects what an input gate samples.
type Mode string

const (
	ModeAnalog      Mode = "analog"
	ModeBinaryState Mode = "binary_state"
	ModePWM         Mode = "pwm"
	ModeFrequency   Mode = "frequency"
)

// BinaryStateCodec encodes states as "On" and "Off".
var BinaryStateCodec = codec.Codec[BinaryState]{
	Name:   "binary state",
	Encode: BinaryState.String,
	Decode: ParseBinaryState,
}

// PWMCodec encodes PWM settings as a JSON object and validates on decode.
var PWMCodec = codec.Codec[PWM]{
	Name:   "pwm",
	Encode: codec.JSON[PWM]("pwm").Encode,
	Decode: func(s string) (PWM, error) {
		p, err := codec.JSON[PWM]("pwm").Decode(s)
		if err != nil {
			return p, err
		}
		return p, p.Validate()
	},
}

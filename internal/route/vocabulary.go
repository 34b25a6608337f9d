package route

import "fmt"

// GateSegment is the first segment of every gate property path.
const GateSegment = "gate"

// Property names are the last segment of gate/{id}/{property} paths.
const (
	PropertyValue                      = "value"
	PropertyBuffer                     = "buffer"
	PropertyMaxAcceptableError         = "max_acceptable_error"
	PropertyMaxElectricPotential       = "max_electric_potential"
	PropertyIsTransceiving             = "is_transceiving"
	PropertyIsTransceivingBinaryState  = "is_transceiving_binary_state"
	PropertyIsTransceivingPWM          = "is_transceiving_pwm"
	PropertyIsTransceivingFrequency    = "is_transceiving_frequency"
	PropertyStartSampling              = "start_sampling"
	PropertyStartSamplingBinaryState   = "start_sampling_binary_state"
	PropertyStartSamplingPWM           = "start_sampling_pwm"
	PropertyStartSamplingFrequency     = "start_sampling_frequency"
	PropertyStopTransceiving           = "stop_transceiving"
	PropertyAvgFrequency               = "avg_frequency"
	PropertyPulseWidthModulate         = "pulse_width_modulate"
	PropertySustainTransitionFrequency = "sustain_transition_frequency"
	PropertyUpdateRate                 = "update_rate"
)

// Properties lists the reserved gate property vocabulary.
var Properties = []string{
	PropertyValue,
	PropertyBuffer,
	PropertyMaxAcceptableError,
	PropertyMaxElectricPotential,
	PropertyIsTransceiving,
	PropertyIsTransceivingBinaryState,
	PropertyIsTransceivingPWM,
	PropertyIsTransceivingFrequency,
	PropertyStartSampling,
	PropertyStartSamplingBinaryState,
	PropertyStartSamplingPWM,
	PropertyStartSamplingFrequency,
	PropertyStopTransceiving,
	PropertyAvgFrequency,
	PropertyPulseWidthModulate,
	PropertySustainTransitionFrequency,
	PropertyUpdateRate,
}

// IsProperty reports whether name belongs to the reserved vocabulary.
func IsProperty(name string) bool {
	for _, p := range Properties {
		if p == name {
			return true
		}
	}
	return false
}

// GatePath returns gate/{id}/{property}.
func GatePath(id, property string) (Path, error) {
	p, err := NewPath(GateSegment, id, property)
	if err != nil {
		return Path{}, fmt.Errorf("gate %q property %q: %w", id, property, err)
	}
	return p, nil
}

// SplitGatePath resolves gate/{id}/{property} into its gate id and property
// name. ok is false for any other shape.
func SplitGatePath(p Path) (id, property string, ok bool) {
	if p.Len() != 3 || p.Segment(0) != GateSegment {
		return "", "", false
	}
	return p.Segment(1), p.Segment(2), true
}

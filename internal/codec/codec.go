// Package codec holds the typed serializers that turn gate values into the
// opaque string payloads carried by route messages, and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// ErrMissingPayload is returned when a value was expected but the message
// was a zero-argument ping.
var ErrMissingPayload = errors.New("missing payload")

// maxQuotedPayload bounds how much of an offending payload DecodeError keeps.
const maxQuotedPayload = 64

// Codec converts between a typed value and its wire payload. Encode must
// be total; Decode reports malformed input as an error instead of panicking.
type Codec[T any] struct {
	Name   string
	Encode func(T) string
	Decode func(string) (T, error)
}

// DecodeError reports a payload that does not match the type expected for
// its route.
type DecodeError struct {
	Codec   string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload %q: %v", e.Codec, e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodePayload decodes an optional payload. A nil payload yields a
// DecodeError wrapping ErrMissingPayload.
func DecodePayload[T any](c Codec[T], payload *string) (T, error) {
	var zero T
	if payload == nil {
		return zero, &DecodeError{Codec: c.Name, Err: ErrMissingPayload}
	}
	v, err := c.Decode(*payload)
	if err != nil {
		return zero, &DecodeError{Codec: c.Name, Payload: quote(*payload), Err: err}
	}
	return v, nil
}

func quote(s string) string {
	if len(s) <= maxQuotedPayload {
		return s
	}
	n := maxQuotedPayload
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Float64 encodes floats in their shortest decimal form ("21.5").
var Float64 = Codec[float64]{
	Name: "float64",
	Encode: func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	},
	Decode: func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	},
}

// Int64 encodes base-10 integers.
var Int64 = Codec[int64]{
	Name:   "int64",
	Encode: func(v int64) string { return strconv.FormatInt(v, 10) },
	Decode: func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) },
}

// Bool encodes "true"/"false".
var Bool = Codec[bool]{
	Name:   "bool",
	Encode: strconv.FormatBool,
	Decode: strconv.ParseBool,
}

// String passes payloads through untouched.
var String = Codec[string]{
	Name:   "string",
	Encode: func(v string) string { return v },
	Decode: func(s string) (string, error) { return s, nil },
}

// Duration encodes durations in time.Duration string form ("250ms").
// Negative durations are rejected on decode.
var Duration = Codec[time.Duration]{
	Name:   "duration",
	Encode: func(d time.Duration) string { return d.String() },
	Decode: func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	},
}

// JSON returns a codec that marshals values with encoding/json. Encoding
// failures are impossible for the plain structs and slices used on routes;
// should one occur the payload degrades to "null" and is rejected by the
// peer's decoder.
func JSON[T any](name string) Codec[T] {
	return Codec[T]{
		Name: name,
		Encode: func(v T) string {
			b, err := json.Marshal(v)
			if err != nil {
				return "null"
			}
			return string(b)
		},
		Decode: func(s string) (T, error) {
			var v T
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return v, err
			}
			return v, nil
		},
	}
}

// Float64List encodes sample buffers as a JSON array of numbers.
var Float64List = JSON[[]float64]("float64 list")

// Package route implements the per-property synchronization protocol that
// keeps a gate's state consistent between the host that owns the hardware
// and the remotes that mirror it.
//
// A Path addresses one property of one gate. A Binding ties a path to a
// direction, an optional typed local source and an optional receive
// handler. The Engine runs one sender and one listener goroutine per
// binding and suppresses the echo of values that were just received.
package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Separator joins path segments in the string form of a Path.
const Separator = "/"

// ErrInvalidPath is returned for empty paths, empty segments, and segments
// that contain the separator.
var ErrInvalidPath = errors.New("invalid route path")

// Path is an immutable, ordered list of non-empty segments. Two paths are
// equal when their segments are equal; the string form is only a rendering.
type Path struct {
	segments []string
}

// NewPath validates segments and returns the corresponding Path.
func NewPath(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Path{}, fmt.Errorf("%w: no segments", ErrInvalidPath)
	}
	for i, s := range segments {
		if s == "" {
			return Path{}, fmt.Errorf("%w: segment %d is empty", ErrInvalidPath, i)
		}
		if strings.Contains(s, Separator) {
			return Path{}, fmt.Errorf("%w: segment %q contains %q", ErrInvalidPath, s, Separator)
		}
	}
	return Path{segments: append([]string(nil), segments...)}, nil
}

// MustPath is NewPath for statically known paths. It panics on invalid input.
func MustPath(segments ...string) Path {
	p, err := NewPath(segments...)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePath parses the string form of a path. A single leading separator is
// accepted so "/gate/temp1/value" and "gate/temp1/value" are the same path.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, Separator)
	if s == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	return NewPath(strings.Split(s, Separator)...)
}

// String renders the path with segments joined by Separator.
func (p Path) String() string {
	return strings.Join(p.segments, Separator)
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segments) }

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool { return len(p.segments) == 0 }

// Segment returns the i-th segment or "" when out of range.
func (p Path) Segment(i int) string {
	if i < 0 || i >= len(p.segments) {
		return ""
	}
	return p.segments[i]
}

// Equal compares paths segment by segment.
func (p Path) Equal(o Path) bool {
	if len(p.segments) != len(o.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// Child returns a new path with segments appended.
func (p Path) Child(segments ...string) (Path, error) {
	return NewPath(append(p.Segments(), segments...)...)
}

// MarshalJSON encodes the path as an array of segments.
func (p Path) MarshalJSON() ([]byte, error) {
	if p.segments == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.segments)
}

// UnmarshalJSON decodes an array of segments and validates it.
func (p *Path) UnmarshalJSON(b []byte) error {
	var segments []string
	if err := json.Unmarshal(b, &segments); err != nil {
		return err
	}
	parsed, err := NewPath(segments...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

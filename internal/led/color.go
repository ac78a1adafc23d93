// Package led contains the color and LED strip types shared by the pattern
// generators and the frame outputs.
package led

import (
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"
)

// RGBColor is a color made of one byte per channel, laid out the same way as
// a light in an atolla frame.
type RGBColor [3]uint8

var (
	_ encoding.TextUnmarshaler = (*RGBColor)(nil)
	_ encoding.TextMarshaler   = RGBColor{}
)

// Black is the color of a light that is off.
var Black = RGBColor{}

// ParseRGBColor parses a color in the "#rrggbb" or "rrggbb" form.
func ParseRGBColor(s string) (RGBColor, error) {
	var c RGBColor
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return RGBColor{}, err
	}
	return c, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *RGBColor) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(string(text), "#")
	if len(s) != 6 {
		return fmt.Errorf("invalid color %q: expected #rrggbb", text)
	}

	var b [3]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return fmt.Errorf("invalid color %q: %w", text, err)
	}

	*c = RGBColor(b)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c RGBColor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// String returns the color as "#rrggbb".
func (c RGBColor) String() string {
	return "#" + hex.EncodeToString(c[:])
}

// Scale returns the color with every channel multiplied by f, which is
// clamped to [0, 1].
func (c RGBColor) Scale(f float64) RGBColor {
	switch {
	case f <= 0:
		return Black
	case f >= 1:
		return c
	}
	return RGBColor{
		uint8(float64(c[0]) * f),
		uint8(float64(c[1]) * f),
		uint8(float64(c[2]) * f),
	}
}

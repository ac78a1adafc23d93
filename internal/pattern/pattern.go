// Package pattern generates the frames streamed by a source. Every pattern is
// a pure function of the elapsed time, so frames can be rendered for any
// point of the stream's schedule.
package pattern

import (
	"fmt"
	"math"
	"time"

	"libdb.so/atolla/internal/led"
)

// Pattern renders itself into a strip of LEDs.
type Pattern interface {
	// Render draws the pattern as it looks after elapsed time into leds.
	Render(leds led.LEDs, elapsed time.Duration)
}

// Static fills the strip with one color.
type Static struct {
	Color led.RGBColor
}

// Render implements Pattern.
func (p Static) Render(leds led.LEDs, elapsed time.Duration) {
	leds.Fill(p.Color)
}

// BreathingFunction is the shape of a breathing animation.
type BreathingFunction string

const (
	// BreathingLinear ramps the brightness up and down linearly.
	BreathingLinear BreathingFunction = "linear"
	// BreathingSine follows a raised cosine.
	BreathingSine BreathingFunction = "sine"
)

// Breathing fades a color in and out.
type Breathing struct {
	Color    led.RGBColor
	Function BreathingFunction
	// Period is the duration of one full fade out and in.
	Period time.Duration
}

// Render implements Pattern.
func (p Breathing) Render(leds led.LEDs, elapsed time.Duration) {
	leds.Fill(p.Color.Scale(p.Intensity(elapsed)))
}

// Intensity returns the brightness in [0, 1] after elapsed time. It starts at
// full brightness.
func (p Breathing) Intensity(elapsed time.Duration) float64 {
	if p.Period <= 0 {
		return 1
	}

	half := float64(p.Period / 2)

	switch p.Function {
	case BreathingLinear:
		elapsed %= p.Period
		return math.Abs(1 - (float64(elapsed) / half))
	default:
		return (1 + math.Cos(float64(elapsed)/half*math.Pi)) / 2
	}
}

// Snake moves a sequence of colored chunks along the strip, one LED per
// step, wrapping around at the end.
type Snake struct {
	Chunks []led.RGBColor
	// ChunkSize is the number of LEDs per chunk. Zero means 1.
	ChunkSize int
	// Speed is the time it takes to move by one LED.
	Speed time.Duration
}

// Render implements Pattern.
func (p Snake) Render(leds led.LEDs, elapsed time.Duration) {
	leds.Fill(led.Black)
	if len(leds) == 0 || len(p.Chunks) == 0 {
		return
	}

	size := max(p.ChunkSize, 1)

	var offset int
	if p.Speed > 0 {
		offset = int(int64(elapsed/p.Speed) % int64(len(leds)))
	}

	for i, c := range p.Chunks {
		for j := 0; j < size; j++ {
			leds[(offset+i*size+j)%len(leds)] = c
		}
	}
}

// Stripes splits the strip into equally sized stripes of the given colors.
// LEDs left over by the division stay black.
type Stripes struct {
	Colors []led.RGBColor
}

// Render implements Pattern.
func (p Stripes) Render(leds led.LEDs, elapsed time.Duration) {
	leds.Fill(led.Black)
	if len(p.Colors) == 0 {
		return
	}

	size := len(leds) / len(p.Colors)
	for i, c := range p.Colors {
		leds.SetRange(i*size, (i+1)*size, c)
	}
}

// Layer is a pattern drawn onto a range of a larger strip.
type Layer struct {
	Pattern Pattern
	// Start and End delimit the LEDs the pattern is drawn onto.
	Start, End int
}

// Composite renders a set of layers onto one strip.
type Composite struct {
	Layers []Layer
}

// Render implements Pattern. LEDs outside every layer are left unchanged.
func (p Composite) Render(leds led.LEDs, elapsed time.Duration) {
	for _, layer := range p.Layers {
		start := max(layer.Start, 0)
		end := min(layer.End, len(leds))
		if start >= end {
			continue
		}
		layer.Pattern.Render(leds[start:end], elapsed)
	}
}

// Name returns a short name of the pattern for logging.
func Name(p Pattern) string {
	switch p.(type) {
	case Static, *Static:
		return "static"
	case Breathing, *Breathing:
		return "breathing"
	case Snake, *Snake:
		return "snake"
	case Stripes, *Stripes:
		return "stripes"
	case Composite, *Composite:
		return "composite"
	default:
		return fmt.Sprintf("%T", p)
	}
}

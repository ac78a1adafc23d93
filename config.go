package atolla

import (
	"encoding"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"libdb.so/atolla/internal/led"
	"libdb.so/atolla/internal/pattern"
	"libdb.so/atolla/sink"
	"libdb.so/atolla/source"
)

// Config is the configuration file of the atolla command. Only the section
// of the subcommand being run is used.
type Config struct {
	Sink   SinkConfig   `toml:"sink" yaml:"sink"`
	Source SourceConfig `toml:"source" yaml:"source"`
}

// SinkConfig is the configuration for running a sink.
type SinkConfig struct {
	// Port is the UDP port to listen on.
	Port int `toml:"port" yaml:"port"`
	// Lights is the number of lights driven by the sink.
	Lights int `toml:"lights" yaml:"lights"`
	// Rate is how many times per second the sink is polled for the current
	// frame. It should be at least the frame rate of the sources.
	Rate int `toml:"rate" yaml:"rate"`
	// RelentInterval is the keep-alive interval while lent.
	RelentInterval Duration `toml:"relent_interval" yaml:"relent_interval"`
	// MinFrameDuration rejects sources asking for faster frames.
	MinFrameDuration Duration `toml:"min_frame_duration" yaml:"min_frame_duration"`
	// MaxBufferBytes rejects sources asking for larger buffers.
	MaxBufferBytes int `toml:"max_buffer_bytes" yaml:"max_buffer_bytes"`
	// LeaseTimeout frees the sink after the lessee has been silent this long.
	LeaseTimeout Duration `toml:"lease_timeout" yaml:"lease_timeout"`

	// Serial forwards frames to an LED controller.
	Serial *SerialConfig `toml:"serial,omitempty" yaml:"serial,omitempty"`
	// Preview draws frames on the terminal.
	Preview bool `toml:"preview" yaml:"preview"`
}

// SerialConfig is the configuration for an LED controller on a serial port.
type SerialConfig struct {
	// Device is the path to the device file of the controller.
	// This is usually /dev/ttyUSB0 or /dev/ttyACM0.
	Device string `toml:"device" yaml:"device"`
	// Baud is the baud rate for the serial connection.
	Baud int `toml:"baud" yaml:"baud"`
}

// DefaultSinkRate is the poll rate used when SinkConfig.Rate is zero.
const DefaultSinkRate = 60

// DefaultBaud is the baud rate used when SerialConfig.Baud is zero.
const DefaultBaud = 115200

// EngineConfig converts the section into the sink engine configuration.
func (c *SinkConfig) EngineConfig() sink.Config {
	return sink.Config{
		Port:             c.Port,
		Lights:           c.Lights,
		RelentInterval:   time.Duration(c.RelentInterval),
		MinFrameDuration: time.Duration(c.MinFrameDuration),
		MaxBufferBytes:   c.MaxBufferBytes,
		LeaseTimeout:     time.Duration(c.LeaseTimeout),
	}
}

// Validate validates the sink configuration.
func (c *SinkConfig) Validate() error {
	if c.Lights < 1 {
		return errors.New("sink needs at least one light")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Rate < 0 {
		return fmt.Errorf("invalid rate %d", c.Rate)
	}
	if c.Serial != nil && c.Serial.Device == "" {
		return errors.New("serial output needs a device")
	}
	if c.Lights > 0xFFFF && c.Serial != nil {
		return fmt.Errorf("serial output supports at most %d lights", 0xFFFF)
	}
	return nil
}

func (c *SinkConfig) rate() int {
	if c.Rate == 0 {
		return DefaultSinkRate
	}
	return c.Rate
}

// SourceConfig is the configuration for running a source.
type SourceConfig struct {
	// Sink is the host:port address of the sink.
	Sink string `toml:"sink" yaml:"sink"`
	// Port is the local UDP port. Zero picks any.
	Port int `toml:"port" yaml:"port"`
	// FrameDuration is the display time of each frame.
	FrameDuration Duration `toml:"frame_duration" yaml:"frame_duration"`
	// BufferLength is the number of frames the sink buffers.
	BufferLength int `toml:"buffer_length" yaml:"buffer_length"`
	// RetryTimeout is the time between borrow attempts.
	RetryTimeout Duration `toml:"retry_timeout" yaml:"retry_timeout"`
	// DisconnectTimeout is how long to wait for the sink.
	DisconnectTimeout Duration `toml:"disconnect_timeout" yaml:"disconnect_timeout"`
	// Frames stops streaming after this many frames. Zero streams until
	// interrupted.
	Frames int `toml:"frames" yaml:"frames"`
	// Patterns is a list of patterns, each drawn onto a range of lights.
	Patterns []PatternConfig `toml:"pattern" yaml:"pattern"`
}

// DefaultFrameDuration is used when SourceConfig.FrameDuration is zero.
const DefaultFrameDuration = 17 * time.Millisecond

// EngineConfig converts the section into the source engine configuration.
func (c *SourceConfig) EngineConfig() source.Config {
	frameDuration := time.Duration(c.FrameDuration)
	if frameDuration == 0 {
		frameDuration = DefaultFrameDuration
	}
	return source.Config{
		Sink:              c.Sink,
		Port:              c.Port,
		FrameDuration:     frameDuration,
		BufferLength:      c.BufferLength,
		RetryTimeout:      time.Duration(c.RetryTimeout),
		DisconnectTimeout: time.Duration(c.DisconnectTimeout),
	}
}

// Validate validates the source configuration.
func (c *SourceConfig) Validate() error {
	if c.Sink == "" {
		return errors.New("no sink address configured")
	}
	if c.NumLights() == 0 {
		return errors.New("no patterns configured")
	}
	if c.Frames < 0 {
		return fmt.Errorf("invalid frame count %d", c.Frames)
	}

	for i, p := range c.Patterns {
		if p.Range[0] < 0 || p.Range[0] >= p.Range[1] {
			return fmt.Errorf("invalid light range %v", p.Range)
		}
		if p.count() != 1 {
			return fmt.Errorf("light range %v needs exactly one pattern", p.Range)
		}

		// Check for overlapping light ranges.
		for j, other := range c.Patterns {
			if i == j {
				continue
			}
			if p.Range[0] < other.Range[1] && other.Range[0] < p.Range[1] {
				return fmt.Errorf("light range %v overlaps with %v", p.Range, other.Range)
			}
		}
	}

	return nil
}

// NumLights returns the number of lights covered by the patterns.
func (c *SourceConfig) NumLights() int {
	var n int
	for _, p := range c.Patterns {
		if p.Range[1] > n {
			n = p.Range[1]
		}
	}
	return n
}

// Pattern builds the pattern drawing every configured range.
func (c *SourceConfig) Pattern() pattern.Pattern {
	layers := make([]pattern.Layer, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		layers = append(layers, pattern.Layer{
			Pattern: p.Pattern(),
			Start:   p.Range[0],
			End:     p.Range[1],
		})
	}
	return pattern.Composite{Layers: layers}
}

// PatternConfig is the configuration for a range of lights.
type PatternConfig struct {
	// Range is the range of lights to draw onto.
	Range [2]int `toml:"range" yaml:"range"`

	// Only one of the following fields should be set.

	// Color is the color to set the lights to.
	Color *led.RGBColor `toml:"color,omitempty" yaml:"color,omitempty"`
	// Breathing is the configuration for the breathing animation.
	Breathing *BreathingConfig `toml:"breathing,omitempty" yaml:"breathing,omitempty"`
	// Snake is the configuration for the snake animation.
	Snake *SnakeConfig `toml:"snake,omitempty" yaml:"snake,omitempty"`
	// Stripes is the configuration for static stripes.
	Stripes *StripesConfig `toml:"stripes,omitempty" yaml:"stripes,omitempty"`
}

func (c PatternConfig) count() int {
	var n int
	if c.Color != nil {
		n++
	}
	if c.Breathing != nil {
		n++
	}
	if c.Snake != nil {
		n++
	}
	if c.Stripes != nil {
		n++
	}
	return n
}

// Pattern builds the configured pattern.
func (c PatternConfig) Pattern() pattern.Pattern {
	switch {
	case c.Color != nil:
		return pattern.Static{Color: *c.Color}
	case c.Breathing != nil:
		return pattern.Breathing{
			Color:    c.Breathing.Color,
			Function: c.Breathing.Function,
			Period:   time.Duration(c.Breathing.Period),
		}
	case c.Snake != nil:
		return pattern.Snake{
			Chunks:    c.Snake.Chunks,
			ChunkSize: c.Snake.ChunkSize,
			Speed:     time.Duration(c.Snake.Speed),
		}
	case c.Stripes != nil:
		return pattern.Stripes{Colors: c.Stripes.Colors}
	default:
		return pattern.Static{Color: led.Black}
	}
}

// BreathingConfig is the configuration for the breathing animation.
type BreathingConfig struct {
	Color    led.RGBColor              `toml:"color" yaml:"color"`
	Function pattern.BreathingFunction `toml:"function" yaml:"function"`
	Period   Duration                  `toml:"period" yaml:"period"`
}

// SnakeConfig is the configuration for the snake animation.
type SnakeConfig struct {
	// Chunks is the list of chunk colors of the snake.
	Chunks []led.RGBColor `toml:"chunks" yaml:"chunks"`
	// ChunkSize is the number of lights per chunk.
	ChunkSize int `toml:"chunk_size" yaml:"chunk_size"`
	// Speed is the time it takes the snake to move by one light.
	Speed Duration `toml:"speed" yaml:"speed"`
}

// StripesConfig is the configuration for static stripes.
type StripesConfig struct {
	Colors []led.RGBColor `toml:"colors" yaml:"colors"`
}

// Duration is a duration that can be parsed from TOML and YAML strings such
// as "17ms".
type Duration time.Duration

var (
	_ encoding.TextUnmarshaler = (*Duration)(nil)
	_ encoding.TextMarshaler   = (*Duration)(nil)
)

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Format is the format of a configuration file.
type Format string

const (
	TOMLFormat Format = "toml"
	YAMLFormat Format = "yaml"
)

// FormatFromPath guesses the format of a configuration file from its
// extension. Unknown extensions are read as TOML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAMLFormat
	default:
		return TOMLFormat
	}
}

// ParseConfig parses a configuration from a reader.
func ParseConfig(r io.Reader, format Format) (*Config, error) {
	var config Config

	switch format {
	case TOMLFormat:
		if err := toml.NewDecoder(r).Decode(&config); err != nil {
			return nil, errors.Wrap(err, "failed to decode TOML")
		}
	case YAMLFormat:
		if err := yaml.NewDecoder(r).Decode(&config); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to decode YAML")
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	return &config, nil
}

// ReadConfigFile reads the configuration file at path.
func ReadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config file")
	}
	defer f.Close()

	return ParseConfig(f, FormatFromPath(path))
}

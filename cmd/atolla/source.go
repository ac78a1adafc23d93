package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"libdb.so/atolla"
	"libdb.so/atolla/internal/led"
	"libdb.so/atolla/internal/pattern"
)

var sourceFlags struct {
	sink          string
	port          int
	frameDuration time.Duration
	bufferLength  int
	frames        int
	lights        int
	color         string
	pattern       string
	period        time.Duration
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Borrow a sink and stream patterns to it",
	Example: `  atolla source --sink 10.0.0.5:10000 --lights 60 --color '#ff5e9b' --pattern breathing
  atolla source -c atolla.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		sourceCfg := cfg.Source
		if err := applySourceFlags(cmd.Flags(), &sourceCfg); err != nil {
			return err
		}

		s, err := atolla.NewSourceStreamer(&sourceCfg, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create source: %w", err)
		}

		if err := run(s.Run); err != nil {
			return fmt.Errorf("source failed: %w", err)
		}
		return nil
	},
}

func init() {
	flags := sourceCmd.Flags()
	flags.StringVarP(&sourceFlags.sink, "sink", "s", "", "sink address as host:port")
	flags.IntVarP(&sourceFlags.port, "port", "p", 0, "local UDP port, 0 for any")
	flags.DurationVarP(&sourceFlags.frameDuration, "frame-duration", "d", atolla.DefaultFrameDuration, "display time of each frame")
	flags.IntVarP(&sourceFlags.bufferLength, "buffer", "b", 0, "frames buffered by the sink, 0 for the default")
	flags.IntVar(&sourceFlags.frames, "frames", 0, "stop after this many frames, 0 to stream forever")
	flags.IntVarP(&sourceFlags.lights, "lights", "n", 1, "number of lights to draw when no patterns are configured")
	flags.StringVar(&sourceFlags.color, "color", "#ffffff", "color of the flag pattern")
	flags.StringVar(&sourceFlags.pattern, "pattern", "static", "flag pattern: static, breathing or snake")
	flags.DurationVar(&sourceFlags.period, "period", 2*time.Second, "period of the breathing pattern, or snake step")
}

// applySourceFlags overrides the file configuration with the flags given on
// the command line. A pattern given by flags replaces the configured ones.
func applySourceFlags(flags *pflag.FlagSet, cfg *atolla.SourceConfig) error {
	if flags.Changed("sink") {
		cfg.Sink = sourceFlags.sink
	}
	if flags.Changed("port") {
		cfg.Port = sourceFlags.port
	}
	if flags.Changed("frame-duration") || cfg.FrameDuration == 0 {
		cfg.FrameDuration = atolla.Duration(sourceFlags.frameDuration)
	}
	if flags.Changed("buffer") {
		cfg.BufferLength = sourceFlags.bufferLength
	}
	if flags.Changed("frames") {
		cfg.Frames = sourceFlags.frames
	}

	if len(cfg.Patterns) > 0 && !flags.Changed("color") && !flags.Changed("pattern") {
		return nil
	}

	color, err := led.ParseRGBColor(sourceFlags.color)
	if err != nil {
		return err
	}

	p := atolla.PatternConfig{Range: [2]int{0, sourceFlags.lights}}
	if len(cfg.Patterns) > 0 && !flags.Changed("lights") {
		p.Range[1] = cfg.NumLights()
	}

	switch sourceFlags.pattern {
	case "static":
		p.Color = &color
	case "breathing":
		p.Breathing = &atolla.BreathingConfig{
			Color:    color,
			Function: pattern.BreathingSine,
			Period:   atolla.Duration(sourceFlags.period),
		}
	case "snake":
		p.Snake = &atolla.SnakeConfig{
			Chunks: []led.RGBColor{color},
			Speed:  atolla.Duration(sourceFlags.period),
		}
	default:
		return fmt.Errorf("unknown pattern %q", sourceFlags.pattern)
	}

	cfg.Patterns = []atolla.PatternConfig{p}
	return nil
}

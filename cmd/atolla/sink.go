package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"libdb.so/atolla"
)

var sinkFlags struct {
	port    int
	lights  int
	rate    int
	serial  string
	baud    int
	preview bool
}

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a sink and forward its frames to the configured outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		sinkCfg := cfg.Sink
		applySinkFlags(cmd.Flags(), &sinkCfg)

		outputs := sinkOutputs(&sinkCfg)
		if len(outputs) == 0 {
			slog.Warn("no outputs configured, frames are discarded")
		}

		d, err := atolla.NewSinkDaemon(&sinkCfg, slog.Default(), outputs)
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}

		if err := run(d.Run); err != nil {
			return fmt.Errorf("sink failed: %w", err)
		}
		return nil
	},
}

func init() {
	flags := sinkCmd.Flags()
	flags.IntVarP(&sinkFlags.port, "port", "p", 10000, "UDP port to listen on")
	flags.IntVarP(&sinkFlags.lights, "lights", "n", 1, "number of lights")
	flags.IntVar(&sinkFlags.rate, "rate", atolla.DefaultSinkRate, "polls per second")
	flags.StringVar(&sinkFlags.serial, "serial", "", "serial device of an LED controller")
	flags.IntVar(&sinkFlags.baud, "baud", atolla.DefaultBaud, "baud rate of the LED controller")
	flags.BoolVar(&sinkFlags.preview, "preview", false, "draw frames on the terminal")
}

// applySinkFlags overrides the file configuration with the flags given on the
// command line. Flag defaults only apply to unset values.
func applySinkFlags(flags *pflag.FlagSet, cfg *atolla.SinkConfig) {
	if flags.Changed("port") || cfg.Port == 0 {
		cfg.Port = sinkFlags.port
	}
	if flags.Changed("lights") || cfg.Lights == 0 {
		cfg.Lights = sinkFlags.lights
	}
	if flags.Changed("rate") {
		cfg.Rate = sinkFlags.rate
	}
	if flags.Changed("serial") {
		cfg.Serial = &atolla.SerialConfig{Device: sinkFlags.serial}
	}
	if cfg.Serial != nil && (flags.Changed("baud") || cfg.Serial.Baud == 0) {
		cfg.Serial.Baud = sinkFlags.baud
	}
	if flags.Changed("preview") {
		cfg.Preview = sinkFlags.preview
	}
}

func sinkOutputs(cfg *atolla.SinkConfig) []atolla.Output {
	var outputs []atolla.Output
	if cfg.Serial != nil {
		outputs = append(outputs, atolla.NewSerialOutput(*cfg.Serial, cfg.Lights, slog.Default()))
	}
	if cfg.Preview {
		outputs = append(outputs, atolla.NewTerminalOutput(os.Stdout, time.Second/30))
	}
	return outputs
}

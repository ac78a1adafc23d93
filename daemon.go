// Package atolla runs atolla sinks and sources as long-lived daemons. The
// protocol itself lives in the wire, sink and source packages.
package atolla

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"libdb.so/atolla/internal/led"
	"libdb.so/atolla/sink"
)

// SinkDaemon polls a sink and hands the frames it plays back to a set of
// outputs.
type SinkDaemon struct {
	cfg     *SinkConfig
	logger  *slog.Logger
	outputs []Output
	opts    []sink.Option
}

// NewSinkDaemon creates a new sink daemon. Options are passed to the sink
// engine.
func NewSinkDaemon(cfg *SinkConfig, logger *slog.Logger, outputs []Output, opts ...sink.Option) (*SinkDaemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	opts = append([]sink.Option{sink.WithLogger(logger)}, opts...)

	return &SinkDaemon{
		cfg:     cfg,
		logger:  logger,
		outputs: outputs,
		opts:    opts,
	}, nil
}

// Run starts the daemon. It blocks until the given context is canceled or
// the sink fails.
func (d *SinkDaemon) Run(ctx context.Context) error {
	s := sink.New(d.cfg.EngineConfig(), d.opts...)
	defer s.Close()

	if err := s.Err(); err != nil {
		return errors.Wrap(err, "failed to start sink")
	}

	d.logger.Info(
		"sink started",
		"addr", s.LocalAddr(),
		"lights", s.Lights())

	errg, ctx := errgroup.WithContext(ctx)

	channels := make([]chan led.LEDs, len(d.outputs))
	for i, output := range d.outputs {
		ch := make(chan led.LEDs, 1)
		channels[i] = ch

		output := output
		errg.Go(func() error {
			return output.Run(ctx, ch)
		})
	}

	errg.Go(func() error {
		defer func() {
			for _, ch := range channels {
				close(ch)
			}
		}()
		return d.pollLoop(ctx, s, channels)
	})

	return errg.Wait()
}

func (d *SinkDaemon) pollLoop(ctx context.Context, s *sink.Sink, outputs []chan led.LEDs) error {
	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.rate()))
	defer ticker.Stop()

	frame := make([]byte, s.FrameSize())
	state := s.State()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		hasFrame := s.Get(frame)

		if newState := s.State(); newState != state {
			d.logger.Info(
				"sink state changed",
				"from", state,
				"to", newState,
				"lessee", s.Lessee())
			state = newState
		}

		if state == sink.StateError {
			return errors.Wrap(s.Err(), "sink failed")
		}

		if hasFrame {
			publish(outputs, led.FromPixels(frame))
		}
	}
}

// publish hands a frame to every output, replacing a frame the output has not
// picked up yet.
func publish(outputs []chan led.LEDs, leds led.LEDs) {
	for _, ch := range outputs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- leds:
		default:
		}
	}
}

package atolla

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"libdb.so/atolla/internal/led"
	"libdb.so/atolla/internal/pattern"
	"libdb.so/atolla/source"
)

// SourceStreamer renders the configured patterns and streams them to a sink.
type SourceStreamer struct {
	cfg     *SourceConfig
	logger  *slog.Logger
	pattern pattern.Pattern
	opts    []source.Option
}

// NewSourceStreamer creates a new streamer. Options are passed to the source
// engine.
func NewSourceStreamer(cfg *SourceConfig, logger *slog.Logger, opts ...source.Option) (*SourceStreamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	opts = append([]source.Option{source.WithLogger(logger)}, opts...)

	return &SourceStreamer{
		cfg:     cfg,
		logger:  logger,
		pattern: cfg.Pattern(),
		opts:    opts,
	}, nil
}

// Run borrows the sink and streams frames until ctx is done or the source
// fails. If SourceConfig.Frames is set, Run returns nil after sending that
// many frames.
func (s *SourceStreamer) Run(ctx context.Context) error {
	src := source.New(s.cfg.EngineConfig(), s.opts...)
	defer src.Close()

	s.logger.Info(
		"borrowing sink",
		"sink", s.cfg.Sink,
		"pattern", pattern.Name(s.pattern))

	if err := src.WaitOpen(ctx); err != nil {
		return errors.Wrap(err, "failed to borrow sink")
	}

	s.logger.Info(
		"streaming to sink",
		"sink", src.SinkAddr(),
		"frame_duration", src.FrameDuration(),
		"buffer_length", src.BufferLength())

	leds := led.NewLEDs(s.cfg.NumLights())
	frameDuration := src.FrameDuration()

	for i := 0; s.cfg.Frames == 0 || i < s.cfg.Frames; i++ {
		// Frames are rendered at their place in the schedule rather than at
		// the time they are sent.
		s.pattern.Render(leds, time.Duration(i)*frameDuration)

		if err := src.Put(ctx, leds.AsPixels()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "failed to send frame %d", i)
		}
	}

	stats := src.Stats()
	s.logger.Info(
		"stream finished",
		"frames", stats.Frames,
		"skipped", stats.Skipped)

	return nil
}

package sink

import (
	"io"
	"log/slog"

	"libdb.so/atolla/clock"
	"libdb.so/atolla/transport"
)

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	transport transport.Transport
}

// Option configures optional collaborators of a Sink.
type Option func(*options)

// WithClock sets the clock used for playback and keep-alive timing.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. By default, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport makes the sink use an already bound transport instead of
// binding a UDP socket on Config.Port. The sink takes ownership of it.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewSystem()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

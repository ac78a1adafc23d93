package atolla

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
	"libdb.so/atolla/internal/led"
	"libdb.so/atolla/ledserial"
)

// Output displays the frames played back by a sink.
type Output interface {
	// Run displays every frame received from frames until ctx is done or
	// frames is closed. Frames are shared between outputs and must not be
	// modified.
	Run(ctx context.Context, frames <-chan led.LEDs) error
}

// SerialOutput forwards frames to an LED controller over a serial port. A new
// frame is only written once the controller acknowledged the previous one;
// frames arriving in between replace each other.
type SerialOutput struct {
	cfg    SerialConfig
	lights int
	logger *slog.Logger
}

var _ Output = (*SerialOutput)(nil)

// NewSerialOutput creates a serial output for a strip of the given length.
func NewSerialOutput(cfg SerialConfig, lights int, logger *slog.Logger) *SerialOutput {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	return &SerialOutput{
		cfg:    cfg,
		lights: lights,
		logger: logger,
	}
}

// Run implements Output.
func (o *SerialOutput) Run(ctx context.Context, frames <-chan led.LEDs) error {
	port, err := serial.Open(o.cfg.Device, &serial.Mode{
		BaudRate: o.cfg.Baud,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open serial port")
	}
	defer port.Close()

	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		return errors.Wrap(err, "failed to reset read timeout")
	}

	return newController(port, o.lights, o.logger).run(ctx, frames)
}

// controller drives an LED controller over any byte stream.
type controller struct {
	port   io.ReadWriteCloser
	enc    *ledserial.Encoder
	lights int
	logger *slog.Logger
}

func newController(port io.ReadWriteCloser, lights int, logger *slog.Logger) *controller {
	return &controller{
		port:   port,
		enc:    ledserial.NewEncoder(port),
		lights: lights,
		logger: logger,
	}
}

// run returns a context error once frames is closed.
func (c *controller) run(ctx context.Context, frames <-chan led.LEDs) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		<-ctx.Done()
		c.logger.Debug("closing serial port")
		if err := c.port.Close(); err != nil {
			return errors.Wrap(err, "failed to close serial port")
		}
		return ctx.Err()
	})

	packets := make(chan ledserial.DevicePacket)
	errg.Go(func() error {
		err := c.mainLoop(ctx, frames, packets)
		if err == nil {
			cancel()
		}
		return err
	})
	errg.Go(func() error {
		return c.readPackets(ctx, packets)
	})

	return errg.Wait()
}

func (c *controller) mainLoop(ctx context.Context, frames <-chan led.LEDs, packets <-chan ledserial.DevicePacket) error {
	c.logger.Debug("sending initialize packet", "lights", c.lights)
	if err := c.writePacket(ledserial.InitializePacket{NumLEDs: uint16(c.lights)}); err != nil {
		return errors.Wrap(err, "failed to initialize LEDs")
	}

	var ready bool
	var pending led.LEDs // latest frame not yet written

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				return nil
			}
			pending = f

		case p := <-packets:
			switch p := p.(type) {
			case ledserial.AckPacket:
				c.logger.Debug(
					"received ack packet from controller",
					"acked_for", p.For)
				ready = true

			case ledserial.ErrorPacket:
				c.logger.Warn(
					"received error packet from controller",
					"message", p.Message)
				return fmt.Errorf("controller reported error: %s", p.Message)

			case ledserial.PanicPacket:
				c.logger.Error(
					"controller unrecoverably panicked",
					"message", p.Message)
				return errors.New("controller panicked")

			case ledserial.LogPacket:
				c.logger.Info(
					"received log packet from controller",
					"message", p.Message)

			default:
				return fmt.Errorf("received unknown packet from controller: %s", p.Type())
			}
		}

		if ready && pending != nil {
			pix := make([]uint8, 3*c.lights)
			copy(pix, pending.AsPixels())

			if err := c.writePacket(ledserial.FramePacket{Pix: pix}); err != nil {
				return errors.Wrap(err, "failed to write frame")
			}

			// Wait until we get an ack.
			ready = false
			pending = nil
		}
	}
}

func (c *controller) readPackets(ctx context.Context, dst chan<- ledserial.DevicePacket) error {
	dec := ledserial.NewDecoder(c.port)

	for ctx.Err() == nil {
		p, err := dec.ReadDevicePacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "failed to read packet")
		}

		c.logger.Debug(
			"received packet from controller",
			"type", p.Type())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case dst <- p:
		}
	}

	return ctx.Err()
}

func (c *controller) writePacket(p ledserial.HostPacket) error {
	c.logger.Debug(
		"writing packet",
		"type", p.Type())

	return c.enc.WriteHostPacket(p)
}

// TerminalOutput draws frames as a row of colored cells.
type TerminalOutput struct {
	w        io.Writer
	interval time.Duration
	style    lipgloss.Style
}

var _ Output = (*TerminalOutput)(nil)

// NewTerminalOutput creates a terminal output writing to w. Frames arriving
// faster than interval are skipped.
func NewTerminalOutput(w io.Writer, interval time.Duration) *TerminalOutput {
	return &TerminalOutput{
		w:        w,
		interval: interval,
		style:    lipgloss.NewStyle(),
	}
}

// Run implements Output.
func (o *TerminalOutput) Run(ctx context.Context, frames <-chan led.LEDs) error {
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(o.w)
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				fmt.Fprintln(o.w)
				return nil
			}

			if now := time.Now(); now.Sub(last) >= o.interval {
				last = now
				if _, err := fmt.Fprint(o.w, "\r", o.Render(f)); err != nil {
					return errors.Wrap(err, "failed to draw frame")
				}
			}
		}
	}
}

// Cell is the character drawn for each light.
const Cell = "█"

// Render returns the frame as one colored cell per light.
func (o *TerminalOutput) Render(leds led.LEDs) string {
	var b strings.Builder
	for _, c := range leds {
		b.WriteString(o.style.Foreground(lipgloss.Color(c.String())).Render(Cell))
	}
	return b.String()
}

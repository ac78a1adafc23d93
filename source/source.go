// Package source implements the sending end of the atolla protocol. A Source
// borrows a sink and then streams frames to it, pacing itself against a
// virtual schedule instead of waiting for acknowledgements.
//
// Like a sink, a Source has no background goroutine: inbound datagrams and
// timers are processed whenever one of its methods is called.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
	"libdb.so/atolla/clock"
	"libdb.so/atolla/transport"
	"libdb.so/atolla/wire"
)

const (
	// DefaultBufferLength is the number of frames requested when
	// Config.BufferLength is zero.
	DefaultBufferLength = 16
	// DefaultRetryTimeout is used when Config.RetryTimeout is zero.
	DefaultRetryTimeout = 10 * time.Millisecond
	// DefaultDisconnectTimeout is used when Config.DisconnectTimeout is zero.
	DefaultDisconnectTimeout = 500 * time.Millisecond
)

// waitOpenInterval is how often WaitOpen polls the state.
const waitOpenInterval = 5 * time.Millisecond

const maxDatagramsPerPoll = 1024

var (
	// ErrNotOpen is returned by Put when the source is not in StateOpen.
	ErrNotOpen = errors.New("source is not open")
	// ErrBorrowTimedOut is the cause of StateError when no sink answered
	// within the disconnect timeout.
	ErrBorrowTimedOut = errors.New("borrow attempt timed out")
	// ErrConnectionLost is the cause of StateError when an open sink stopped
	// sending keep-alives.
	ErrConnectionLost = errors.New("connection to sink lost")
	// ErrUnexpectedMessage is the cause of StateError after receiving a
	// message that only sources send.
	ErrUnexpectedMessage = errors.New("malformed or unknown message received")
	// ErrEmptyFrame is returned by Put for a frame without pixels.
	ErrEmptyFrame = errors.New("empty frame")
)

// SinkError is the cause of StateError after the sink replied with Fail.
type SinkError struct {
	Code      wire.ErrorCode
	CausingID uint16
}

func (e *SinkError) Error() string {
	var reason string
	switch e.Code {
	case wire.ErrorCodeNotBorrowed:
		reason = "sink is not lent to this source"
	case wire.ErrorCodeRequestedBufferTooLarge:
		reason = "requested buffer is too large for the sink memory"
	case wire.ErrorCodeRequestedFrameDurationTooShort:
		reason = "requested frame duration is too short for the sink"
	case wire.ErrorCodeMalformedRequest:
		reason = "sink rejected a malformed request"
	default:
		reason = fmt.Sprintf("sink failed with unknown error code %d", uint8(e.Code))
	}
	return fmt.Sprintf("message %d: %s", e.CausingID, reason)
}

// State is the state of a source.
type State int

const (
	// StateWaiting means a borrow was sent and no answer arrived yet.
	StateWaiting State = iota
	// StateOpen means the sink is lent and frames may be sent.
	StateOpen
	// StateError means the source cannot recover.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the configuration of a source.
type Config struct {
	// Sink is the address of the sink, such as "10.0.0.5:10000".
	Sink string
	// Port is the local UDP port. Zero picks any free port. It is ignored if a
	// transport is supplied with WithTransport.
	Port int
	// FrameDuration is the display time of each frame. It is sent in whole
	// milliseconds and must be between 1ms and 255ms.
	FrameDuration time.Duration
	// BufferLength is the number of frames the sink should buffer, at most
	// 255. Zero means DefaultBufferLength.
	BufferLength int
	// RetryTimeout is the time after which an unanswered borrow is repeated.
	// Zero means DefaultRetryTimeout.
	RetryTimeout time.Duration
	// DisconnectTimeout is how long the source waits for a Lent, both while
	// borrowing and as a keep-alive once open. Zero means
	// DefaultDisconnectTimeout.
	DisconnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferLength == 0 {
		c.BufferLength = DefaultBufferLength
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	return c
}

func (c Config) validate() error {
	if ms := c.FrameDuration.Milliseconds(); ms < 1 || ms > 255 {
		return errors.Errorf("frame duration %v out of range 1ms-255ms", c.FrameDuration)
	}
	if c.BufferLength < 1 || c.BufferLength > 255 {
		return errors.Errorf("buffer length %d out of range 1-255", c.BufferLength)
	}
	return nil
}

// Stats counts what a source has done since it was created.
type Stats struct {
	Borrows uint64
	Lents   uint64
	Frames  uint64
	Skipped uint64
}

// Source is the sending end of a stream. It is not safe for concurrent use.
type Source struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tr      transport.Transport
	builder wire.Builder
	recvBuf []byte

	state State
	err   error
	sink  net.Addr

	frameDuration int64
	firstBorrow   int64
	lastBorrow    int64
	lastLent      int64

	// lastFrame is the virtual playhead: the time up to which the sink's
	// buffer is considered filled. It is only valid once frameSent is set.
	lastFrame int64
	frameSent bool
	nextFrame int64

	stats Stats
}

// New creates a source and sends the first borrow. A source whose sink
// address cannot be resolved starts in StateError.
func New(cfg Config, opts ...Option) *Source {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()

	s := &Source{
		cfg:           cfg,
		clock:         o.clock,
		logger:        o.logger,
		tr:            o.transport,
		state:         StateWaiting,
		frameDuration: cfg.FrameDuration.Milliseconds(),
	}

	if err := cfg.validate(); err != nil {
		s.fail(errors.Wrap(err, "invalid config"))
		return s
	}

	if s.tr == nil {
		u, err := transport.ListenUDP(cfg.Port)
		if err != nil {
			s.fail(errors.Wrap(err, "failed to open source"))
			return s
		}
		s.tr = u
	}

	sink, err := s.tr.Resolve(cfg.Sink)
	if err != nil {
		s.fail(errors.Wrap(err, "failed to resolve sink"))
		return s
	}

	s.sink = sink
	s.tr.SetDestination(sink)
	s.recvBuf = make([]byte, transport.MaxDatagramSize)

	now := s.clock.Now()
	s.firstBorrow = now
	s.sendBorrow(now)

	return s
}

// Close releases the transport. The source must not be used afterwards.
func (s *Source) Close() error {
	if s.tr == nil {
		return nil
	}
	return s.tr.Close()
}

// State processes pending datagrams and timers and returns the resulting
// state.
func (s *Source) State() State {
	s.update()
	return s.state
}

// Err returns the reason the source is in StateError, or nil.
func (s *Source) Err() error {
	if s.state != StateError {
		return nil
	}
	return s.err
}

// WaitOpen polls the source until it leaves StateWaiting. It returns nil once
// the source is open and the error cause if it failed.
func (s *Source) WaitOpen(ctx context.Context) error {
	for {
		switch s.State() {
		case StateOpen:
			return nil
		case StateError:
			return s.err
		}

		if err := s.clock.Sleep(ctx, waitOpenInterval); err != nil {
			return err
		}
	}
}

// PutReadyCount returns how many frames Put can send right now without
// sleeping. It is zero unless the source is open.
func (s *Source) PutReadyCount() int {
	s.update()
	if s.state != StateOpen {
		return 0
	}
	return s.readyCount(s.clock.Now())
}

// PutReadyTimeout returns how long Put would sleep before sending the next
// frame. The boolean is false if the source is not open.
func (s *Source) PutReadyTimeout() (time.Duration, bool) {
	s.update()
	if s.state != StateOpen {
		return 0, false
	}
	return s.readyTimeout(s.clock.Now()), true
}

// Put sends one frame of RGB triplets, sleeping first if the sink's buffer
// is full. A frame shorter than the sink's light count is repeated by the
// sink to fill all lights. If the send fails, the schedule is unchanged and
// the error is returned.
func (s *Source) Put(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}

	s.update()
	if s.state != StateOpen {
		return s.notOpen()
	}

	if timeout := s.readyTimeout(s.clock.Now()); timeout > 0 {
		if err := s.clock.Sleep(ctx, timeout); err != nil {
			return err
		}
		s.update()
		if s.state != StateOpen {
			return s.notOpen()
		}
	}

	now := s.clock.Now()
	s.catchUp(now)

	n := int64(s.cfg.BufferLength)
	index := uint8(s.nextFrame % n)

	_, buf, err := s.builder.Build(wire.Enqueue{FrameIndex: index, Pixels: frame})
	if err == nil {
		err = s.tr.Send(buf)
	}
	if err != nil {
		return errors.Wrap(err, "failed to send frame")
	}

	if s.frameSent {
		s.lastFrame += s.frameDuration
	} else {
		s.lastFrame = now - (n-1)*s.frameDuration
		s.frameSent = true
	}
	s.nextFrame++
	s.stats.Frames++

	return nil
}

// LocalAddr returns the local address, or nil if the source failed before
// binding.
func (s *Source) LocalAddr() net.Addr {
	if s.tr == nil {
		return nil
	}
	return s.tr.LocalAddr()
}

// SinkAddr returns the resolved sink address, or nil.
func (s *Source) SinkAddr() net.Addr { return s.sink }

// FrameDuration returns the configured frame duration.
func (s *Source) FrameDuration() time.Duration { return s.cfg.FrameDuration }

// BufferLength returns the requested buffer length after defaults.
func (s *Source) BufferLength() int { return s.cfg.BufferLength }

// Stats returns a copy of the counters.
func (s *Source) Stats() Stats { return s.stats }

func (s *Source) notOpen() error {
	if s.state == StateError {
		return errors.Wrapf(ErrNotOpen, "%v", s.err)
	}
	return errors.Wrapf(ErrNotOpen, "source is %s", s.state)
}

func (s *Source) readyCount(now int64) int {
	n := s.cfg.BufferLength
	if !s.frameSent {
		return n
	}

	count := (now - s.lastFrame) / s.frameDuration
	switch {
	case count < 0:
		return 0
	case count > int64(n):
		return n
	default:
		return int(count)
	}
}

func (s *Source) readyTimeout(now int64) time.Duration {
	if s.readyCount(now) > 0 {
		return 0
	}
	return time.Duration(s.lastFrame+s.frameDuration-now) * time.Millisecond
}

// catchUp skips the frames whose slots the sink has already played past
// after a stall longer than the whole buffer.
func (s *Source) catchUp(now int64) {
	if !s.frameSent {
		return
	}

	n := int64(s.cfg.BufferLength)
	slots := (now - s.lastFrame) / s.frameDuration
	if slots <= n {
		return
	}

	excess := slots - n
	s.nextFrame += excess
	s.lastFrame += excess * s.frameDuration
	s.stats.Skipped += uint64(excess)

	s.logger.Debug(
		"skipping frames after stall",
		"skipped", excess,
		"next_index", s.nextFrame%n)
}

func (s *Source) update() {
	if s.state == StateError {
		return
	}

	for i := 0; i < maxDatagramsPerPoll && s.state != StateError; i++ {
		n, from, err := s.tr.Receive(s.recvBuf)
		if err != nil {
			if errors.Is(err, transport.ErrNothingReceived) {
				break
			}
			s.fail(errors.Wrap(err, "failed to receive"))
			return
		}
		s.handleDatagram(s.recvBuf[:n], from)
	}

	if s.state != StateError {
		s.tick(s.clock.Now())
	}
}

func (s *Source) handleDatagram(b []byte, from net.Addr) {
	r := wire.NewReader(b)
	for r.Next() {
		m := r.Message()

		s.logger.Debug(
			"received message",
			"type", m.Type(),
			"id", m.ID,
			"from", from)

		switch p := m.Payload.(type) {
		case wire.Lent:
			s.handleLent()
		case wire.Fail:
			s.fail(&SinkError{Code: p.Code, CausingID: p.CausingID})
			return
		default:
			s.fail(errors.Wrapf(ErrUnexpectedMessage, "%s from %s", m.Type(), from))
			return
		}
	}

	if err := r.Err(); err != nil {
		s.fail(errors.Wrapf(ErrUnexpectedMessage, "%v", err))
	}
}

func (s *Source) handleLent() {
	s.lastLent = s.clock.Now()
	s.stats.Lents++

	if s.state != StateWaiting {
		return
	}

	s.state = StateOpen
	s.frameSent = false

	s.logger.Debug(
		"sink lent",
		"sink", s.sink,
		"attempts", s.stats.Borrows)
}

func (s *Source) tick(now int64) {
	disconnect := s.cfg.DisconnectTimeout.Milliseconds()

	switch s.state {
	case StateWaiting:
		if now-s.firstBorrow > disconnect {
			s.fail(errors.Wrapf(ErrBorrowTimedOut, "no answer from %s after %v", s.sink, s.cfg.DisconnectTimeout))
			return
		}
		if now-s.lastBorrow > s.cfg.RetryTimeout.Milliseconds() {
			s.sendBorrow(now)
		}

	case StateOpen:
		if now-s.lastLent > disconnect {
			s.fail(errors.Wrapf(ErrConnectionLost, "no keep-alive from %s for %v", s.sink, s.cfg.DisconnectTimeout))
		}
	}
}

func (s *Source) sendBorrow(now int64) {
	s.lastBorrow = now

	_, buf, err := s.builder.Build(wire.Borrow{
		FrameDuration: uint8(s.frameDuration),
		BufferLength:  uint8(s.cfg.BufferLength),
	})
	if err == nil {
		err = s.tr.Send(buf)
	}
	if err != nil {
		// Treated like a lost datagram; the retry timer sends it again.
		s.logger.Warn(
			"failed to send borrow",
			"sink", s.sink,
			"error", err)
		return
	}

	s.stats.Borrows++
}

func (s *Source) fail(err error) {
	s.state = StateError
	s.err = err

	s.logger.Error(
		"source failed",
		"error", err)
}

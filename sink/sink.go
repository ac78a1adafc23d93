// Package sink implements the receiving end of the atolla protocol: it lends
// its frame buffer to one source at a time and answers which frame should be
// on display right now.
//
// A Sink has no background goroutine. Inbound datagrams are processed inside
// State and Get, so callers must poll at least once per frame duration.
package sink

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
	"libdb.so/atolla/clock"
	"libdb.so/atolla/internal/framebuf"
	"libdb.so/atolla/transport"
	"libdb.so/atolla/wire"
)

// DefaultRelentInterval is the keep-alive interval used when
// Config.RelentInterval is zero.
const DefaultRelentInterval = 100 * time.Millisecond

// maxDatagramsPerPoll bounds the work done by a single poll so that a flood
// of datagrams cannot starve the caller.
const maxDatagramsPerPoll = 1024

// ErrUnexpectedMessage is the cause of entering StateError after receiving a
// message that only sinks send.
var ErrUnexpectedMessage = errors.New("unexpected message received")

// State is the state of a sink.
type State int

const (
	// StateError means the sink cannot recover.
	StateError State = iota
	// StateOpen means the sink waits for a source to borrow it.
	StateOpen
	// StateLent means the sink is serving a source.
	StateLent
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateError:
		return "error"
	case StateOpen:
		return "open"
	case StateLent:
		return "lent"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the configuration of a sink.
type Config struct {
	// Port is the UDP port to listen on. Zero picks any free port. It is
	// ignored if a transport is supplied with WithTransport.
	Port int
	// Lights is the number of lights, each taking three bytes per frame.
	Lights int
	// RelentInterval is how often Lent is repeated while lent. Zero means
	// DefaultRelentInterval.
	RelentInterval time.Duration
	// MinFrameDuration is the shortest frame duration accepted from a borrow.
	// Zero accepts anything from 1ms up.
	MinFrameDuration time.Duration
	// MaxBufferBytes limits the memory of the frame buffer. Zero means no
	// limit.
	MaxBufferBytes int
	// LeaseTimeout returns the sink to StateOpen when the lessee has been
	// silent this long. Zero keeps the lease until another borrow.
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelentInterval == 0 {
		c.RelentInterval = DefaultRelentInterval
	}
	return c
}

// Stats counts what a sink has processed since it was created.
type Stats struct {
	Messages uint64
	Frames   uint64
	Borrows  uint64
	Rejected uint64
	Relents  uint64
}

// Sink is the receiving end of a stream. It is not safe for concurrent use.
type Sink struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tr      transport.Transport
	builder wire.Builder
	recvBuf []byte

	state State
	err   error

	lessee        net.Addr
	frames        *framebuf.Buffer
	frameDuration int64
	origin        int64
	originSet     bool
	lastRelent    int64
	lastActivity  int64

	stats Stats
}

// New creates a sink and binds its transport. A sink that cannot be set up,
// for example because the port is taken, starts in StateError.
func New(cfg Config, opts ...Option) *Sink {
	o := buildOptions(opts)

	s := &Sink{
		cfg:    cfg.withDefaults(),
		clock:  o.clock,
		logger: o.logger,
		tr:     o.transport,
		state:  StateOpen,
	}

	if cfg.Lights < 1 {
		s.fail(errors.Errorf("invalid light count %d", cfg.Lights))
		return s
	}

	if s.tr == nil {
		u, err := transport.ListenUDP(cfg.Port)
		if err != nil {
			s.fail(errors.Wrap(err, "failed to open sink"))
			return s
		}
		s.tr = u
	}

	s.recvBuf = make([]byte, transport.MaxDatagramSize)
	s.logger.Debug(
		"sink listening",
		"addr", s.tr.LocalAddr(),
		"lights", cfg.Lights)

	return s
}

// Close releases the transport. The sink must not be used afterwards.
func (s *Sink) Close() error {
	if s.tr == nil {
		return nil
	}
	return s.tr.Close()
}

// State processes pending datagrams and timers and returns the resulting
// state.
func (s *Sink) State() State {
	s.update()
	return s.state
}

// Err returns the reason the sink is in StateError, or nil.
func (s *Sink) Err() error {
	if s.state != StateError {
		return nil
	}
	return s.err
}

// Get copies the frame that is due now into frame, which should be at least
// three bytes per light long. It returns false and leaves frame untouched if
// the sink is not lent or no frame has arrived since the last borrow.
func (s *Sink) Get(frame []byte) bool {
	s.update()

	if s.state != StateLent || !s.originSet {
		return false
	}

	s.frames.Read(frame, s.clock.Now()-s.origin, s.frameDuration)
	return true
}

// LocalAddr returns the address the sink listens on, or nil in StateError
// before binding.
func (s *Sink) LocalAddr() net.Addr {
	if s.tr == nil {
		return nil
	}
	return s.tr.LocalAddr()
}

// Lights returns the configured number of lights.
func (s *Sink) Lights() int { return s.cfg.Lights }

// FrameSize returns the number of bytes Get writes.
func (s *Sink) FrameSize() int { return s.cfg.Lights * 3 }

// FrameDuration returns the frame duration of the current lease, or zero if
// not lent.
func (s *Sink) FrameDuration() time.Duration {
	if s.state != StateLent {
		return 0
	}
	return time.Duration(s.frameDuration) * time.Millisecond
}

// BufferLength returns the number of frame slots of the current lease, or
// zero if not lent.
func (s *Sink) BufferLength() int {
	if s.state != StateLent {
		return 0
	}
	return s.frames.Len()
}

// Lessee returns the address of the source the sink is lent to, or nil.
func (s *Sink) Lessee() net.Addr {
	return s.lessee
}

// Stats returns a copy of the counters.
func (s *Sink) Stats() Stats {
	return s.stats
}

func (s *Sink) update() {
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

	if s.state == StateLent {
		s.tick(s.clock.Now())
	}
}

func (s *Sink) handleDatagram(b []byte, from net.Addr) {
	r := wire.NewReader(b)
	for r.Next() {
		m := r.Message()
		s.stats.Messages++

		s.logger.Debug(
			"received message",
			"type", m.Type(),
			"id", m.ID,
			"from", from)

		switch p := m.Payload.(type) {
		case wire.Borrow:
			s.handleBorrow(m.ID, p, from)
		case wire.Enqueue:
			s.handleEnqueue(m.ID, p, from)
		default:
			s.fail(errors.Wrapf(ErrUnexpectedMessage, "%s from %s", m.Type(), from))
			return
		}
	}

	if err := r.Err(); err != nil {
		s.fail(errors.Wrapf(err, "malformed datagram from %s", from))
	}
}

func (s *Sink) handleBorrow(id uint16, p wire.Borrow, from net.Addr) {
	frameDuration := time.Duration(p.FrameDuration) * time.Millisecond

	switch {
	case p.FrameDuration == 0 || frameDuration < s.cfg.MinFrameDuration:
		s.reject(id, wire.ErrorCodeRequestedFrameDurationTooShort, from)
		return
	case p.BufferLength == 0:
		s.reject(id, wire.ErrorCodeMalformedRequest, from)
		return
	case s.cfg.MaxBufferBytes > 0 && int(p.BufferLength)*s.FrameSize() > s.cfg.MaxBufferBytes:
		s.reject(id, wire.ErrorCodeRequestedBufferTooLarge, from)
		return
	}

	if s.state == StateLent && !transport.SameAddr(s.lessee, from) {
		s.logger.Info(
			"lease taken over by another source",
			"previous", s.lessee,
			"source", from)
	}

	s.frames = framebuf.New(int(p.BufferLength), s.cfg.Lights)
	s.frameDuration = int64(p.FrameDuration)
	s.originSet = false
	s.lessee = from
	s.tr.SetDestination(from)
	s.state = StateLent
	s.stats.Borrows++

	now := s.clock.Now()
	s.lastActivity = now

	s.logger.Debug(
		"lent to source",
		"source", from,
		"frame_duration_ms", p.FrameDuration,
		"buffer_length", p.BufferLength)

	s.sendLent(now)
}

func (s *Sink) handleEnqueue(id uint16, p wire.Enqueue, from net.Addr) {
	if s.state != StateLent || !transport.SameAddr(s.lessee, from) {
		s.reject(id, wire.ErrorCodeNotBorrowed, from)
		return
	}

	if err := s.frames.Write(int(p.FrameIndex), p.Pixels); err != nil {
		s.logger.Warn(
			"dropping frame",
			"frame_index", p.FrameIndex,
			"error", err)
		return
	}

	now := s.clock.Now()
	if !s.originSet {
		s.origin = now
		s.originSet = true
	}
	s.lastActivity = now
	s.stats.Frames++
}

func (s *Sink) tick(now int64) {
	if s.cfg.LeaseTimeout > 0 && now-s.lastActivity > s.cfg.LeaseTimeout.Milliseconds() {
		s.logger.Info(
			"lease timed out",
			"source", s.lessee)
		s.release()
		return
	}

	if now-s.lastRelent >= s.cfg.RelentInterval.Milliseconds() {
		s.sendLent(now)
	}
}

func (s *Sink) release() {
	s.state = StateOpen
	s.frames = nil
	s.lessee = nil
	s.originSet = false
	s.tr.SetDestination(nil)
}

func (s *Sink) sendLent(now int64) {
	s.lastRelent = now

	_, buf, err := s.builder.Build(wire.Lent{})
	if err == nil {
		err = s.tr.Send(buf)
	}
	if err != nil {
		s.logger.Warn(
			"failed to send lent",
			"source", s.lessee,
			"error", err)
		return
	}

	s.stats.Relents++
}

func (s *Sink) reject(id uint16, code wire.ErrorCode, to net.Addr) {
	s.stats.Rejected++

	s.logger.Debug(
		"rejecting message",
		"id", id,
		"code", code,
		"to", to)

	_, buf, err := s.builder.Build(wire.Fail{CausingID: id, Code: code})
	if err == nil {
		err = s.tr.SendTo(buf, to)
	}
	if err != nil {
		s.logger.Warn(
			"failed to send fail",
			"to", to,
			"error", err)
	}
}

func (s *Sink) fail(err error) {
	s.state = StateError
	s.err = err
	s.frames = nil

	s.logger.Error(
		"sink failed",
		"error", err)
}

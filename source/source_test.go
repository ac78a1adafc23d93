package source

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"libdb.so/atolla/clock"
	"libdb.so/atolla/transport"
	"libdb.so/atolla/wire"
)

// fakeSink is a hand-driven sink endpoint on the test network.
type fakeSink struct {
	t       *testing.T
	ep      *transport.Memory
	builder wire.Builder
}

func (f *fakeSink) send(p wire.Payload) uint16 {
	m, buf, err := f.builder.Build(p)
	if err != nil {
		f.t.Fatalf("Build(%v) err=%v", p.Type(), err)
	}
	if err := f.ep.SendTo(buf, transport.MemoryAddr("source")); err != nil {
		f.t.Fatalf("SendTo(%v) err=%v", p.Type(), err)
	}
	return m.ID
}

func (f *fakeSink) sendRaw(b []byte) {
	if err := f.ep.SendTo(b, transport.MemoryAddr("source")); err != nil {
		f.t.Fatalf("SendTo err=%v", err)
	}
}

func (f *fakeSink) receive() []wire.Message {
	var msgs []wire.Message
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, _, err := f.ep.Receive(buf)
		if errors.Is(err, transport.ErrNothingReceived) {
			return msgs
		}
		if err != nil {
			f.t.Fatalf("Receive err=%v", err)
		}
		got, err := wire.DecodeAll(buf[:n])
		if err != nil {
			f.t.Fatalf("DecodeAll err=%v", err)
		}
		// Copy pixels out of the reused receive buffer.
		for i, m := range got {
			if e, ok := m.Payload.(wire.Enqueue); ok {
				e.Pixels = append([]byte(nil), e.Pixels...)
				got[i].Payload = e
			}
		}
		msgs = append(msgs, got...)
	}
}

func (f *fakeSink) expectBorrows(n int) {
	msgs := f.receive()
	if len(msgs) != n {
		f.t.Fatalf("expected %d borrows, got %v", n, msgs)
	}
	for _, m := range msgs {
		if m.Type() != wire.TypeBorrow {
			f.t.Fatalf("expected borrow, got %v", m.Type())
		}
	}
}

type testSource struct {
	*Source
	clock   *clock.Fake
	sink    *fakeSink
	network *transport.Network
}

func newTestSource(t *testing.T, cfg Config) *testSource {
	network := transport.NewNetwork()

	sinkEP, err := network.Listen("sink")
	if err != nil {
		t.Fatalf("Listen err=%v", err)
	}

	ep, err := network.Listen("source")
	if err != nil {
		t.Fatalf("Listen err=%v", err)
	}

	if cfg.Sink == "" {
		cfg.Sink = "sink"
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 17 * time.Millisecond
	}

	clk := clock.NewFake(5000)
	s := New(cfg, WithTransport(ep), WithClock(clk))
	t.Cleanup(func() { s.Close() })

	return &testSource{
		Source:  s,
		clock:   clk,
		sink:    &fakeSink{t: t, ep: sinkEP},
		network: network,
	}
}

func newOpenSource(t *testing.T, cfg Config) *testSource {
	s := newTestSource(t, cfg)
	s.sink.expectBorrows(1)

	s.sink.send(wire.Lent{})
	if state := s.State(); state != StateOpen {
		t.Fatalf("expected open, got %v (%v)", state, s.Err())
	}

	return s
}

func (s *testSource) mustPut(t *testing.T, frame []byte) {
	t.Helper()
	if err := s.Put(context.Background(), frame); err != nil {
		t.Fatalf("Put err=%v", err)
	}
}

func TestSourceSendsBorrow(t *testing.T) {
	s := newTestSource(t, Config{BufferLength: 60})

	if state := s.State(); state != StateWaiting {
		t.Fatalf("expected waiting, got %v", state)
	}

	msgs := s.sink.receive()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %v", msgs)
	}

	borrow, ok := msgs[0].Payload.(wire.Borrow)
	if !ok {
		t.Fatalf("expected borrow, got %v", msgs[0].Type())
	}
	if borrow.FrameDuration != 17 || borrow.BufferLength != 60 {
		t.Fatalf("unexpected borrow %+v", borrow)
	}
}

func TestSourceDefaults(t *testing.T) {
	s := newTestSource(t, Config{})

	if s.BufferLength() != DefaultBufferLength {
		t.Fatalf("expected default buffer length, got %d", s.BufferLength())
	}

	m := s.sink.receive()[0]
	if b := m.Payload.(wire.Borrow); b.BufferLength != DefaultBufferLength {
		t.Fatalf("unexpected borrow %+v", b)
	}
}

func TestSourceRetry(t *testing.T) {
	s := newTestSource(t, Config{
		RetryTimeout:      10 * time.Millisecond,
		DisconnectTimeout: 100 * time.Millisecond,
	})
	s.sink.expectBorrows(1)

	s.clock.Advance(10 * time.Millisecond)
	s.State()
	s.sink.expectBorrows(0)

	s.clock.Advance(time.Millisecond)
	s.State()
	s.sink.expectBorrows(1)

	s.clock.Advance(5 * time.Millisecond)
	s.State()
	s.sink.expectBorrows(0)

	// The disconnect timeout counts from the first attempt.
	s.clock.Advance(84 * time.Millisecond)
	if state := s.State(); state != StateWaiting {
		t.Fatalf("expected waiting at the disconnect timeout, got %v", state)
	}
	s.sink.expectBorrows(1)

	s.clock.Advance(time.Millisecond)
	if state := s.State(); state != StateError {
		t.Fatalf("expected error, got %v", state)
	}
	if !errors.Is(s.Err(), ErrBorrowTimedOut) {
		t.Fatalf("expected ErrBorrowTimedOut, got %v", s.Err())
	}
	s.sink.expectBorrows(0)
}

func TestSourceOpen(t *testing.T) {
	s := newOpenSource(t, Config{BufferLength: 60})

	if s.Err() != nil {
		t.Fatalf("unexpected error %v", s.Err())
	}
	if n := s.PutReadyCount(); n != 60 {
		t.Fatalf("expected 60 ready frames, got %d", n)
	}
	if d, ok := s.PutReadyTimeout(); d != 0 || !ok {
		t.Fatalf("expected no timeout, got %v %v", d, ok)
	}
}

func TestSourcePacing(t *testing.T) {
	const n = 60
	s := newOpenSource(t, Config{BufferLength: n})

	start := s.clock.Now()
	for i := 0; i < n; i++ {
		s.mustPut(t, []byte{byte(i), 0, 0})
	}
	if now := s.clock.Now(); now != start {
		t.Fatalf("first %d puts slept for %dms", n, now-start)
	}
	if c := s.PutReadyCount(); c != 0 {
		t.Fatalf("expected full buffer, got %d ready", c)
	}
	if d, _ := s.PutReadyTimeout(); d != 17*time.Millisecond {
		t.Fatalf("expected 17ms timeout, got %v", d)
	}

	s.mustPut(t, []byte{n, 0, 0})
	if slept := s.clock.Now() - start; slept != 17 {
		t.Fatalf("expected put to sleep 17ms, slept %dms", slept)
	}

	msgs := s.sink.receive()
	if len(msgs) != n+1 {
		t.Fatalf("expected %d enqueues, got %d", n+1, len(msgs))
	}
	for i, m := range msgs {
		e, ok := m.Payload.(wire.Enqueue)
		if !ok {
			t.Fatalf("message %d is %v", i, m.Type())
		}
		if want := uint8(i % n); e.FrameIndex != want {
			t.Fatalf("message %d has frame index %d, expected %d", i, e.FrameIndex, want)
		}
		if e.Pixels[0] != byte(i) {
			t.Fatalf("message %d carries frame %d", i, e.Pixels[0])
		}
	}
}

func TestSourceFrameLag(t *testing.T) {
	const n = 16
	s := newOpenSource(t, Config{BufferLength: n})

	for i := 0; i < n; i++ {
		s.mustPut(t, []byte{1, 2, 3})
	}

	s.clock.Advance(5 * time.Millisecond)
	if d, ok := s.PutReadyTimeout(); d != 12*time.Millisecond || !ok {
		t.Fatalf("expected 12ms timeout, got %v %v", d, ok)
	}

	s.clock.Advance(165 * time.Millisecond)
	if c := s.PutReadyCount(); c != 10 {
		t.Fatalf("expected 10 ready frames, got %d", c)
	}
}

func TestSourceCatchUp(t *testing.T) {
	const n = 60
	s := newOpenSource(t, Config{
		BufferLength:      n,
		FrameDuration:     10 * time.Millisecond,
		DisconnectTimeout: 5 * time.Second,
	})

	for i := 0; i < n; i++ {
		s.mustPut(t, []byte{1, 2, 3})
	}
	s.sink.receive()

	// Stall for 100 frames, 40 more than the buffer holds.
	s.clock.Advance(1000 * time.Millisecond)
	if c := s.PutReadyCount(); c != n {
		t.Fatalf("expected ready count capped at %d, got %d", n, c)
	}

	s.mustPut(t, []byte{1, 2, 3})

	msgs := s.sink.receive()
	if len(msgs) != 1 {
		t.Fatalf("expected one enqueue, got %v", msgs)
	}
	if e := msgs[0].Payload.(wire.Enqueue); e.FrameIndex != 40 {
		t.Fatalf("expected frame index 40 after catch-up, got %d", e.FrameIndex)
	}
	if c := s.PutReadyCount(); c != n-1 {
		t.Fatalf("expected %d ready frames, got %d", n-1, c)
	}
	if s.Stats().Skipped != 40 {
		t.Fatalf("expected 40 skipped frames, got %d", s.Stats().Skipped)
	}
}

func TestSourceSinkFail(t *testing.T) {
	s := newTestSource(t, Config{})
	s.sink.send(wire.Fail{CausingID: 0, Code: 42})

	if state := s.State(); state != StateError {
		t.Fatalf("expected error, got %v", state)
	}

	var sinkErr *SinkError
	if !errors.As(s.Err(), &sinkErr) {
		t.Fatalf("expected SinkError, got %v", s.Err())
	}
	if sinkErr.Code != 42 || sinkErr.CausingID != 0 {
		t.Fatalf("unexpected sink error %+v", sinkErr)
	}
	if s.Err().Error() == "" {
		t.Fatal("expected a non-empty cause")
	}
}

func TestSourceSinkFailWhileOpen(t *testing.T) {
	s := newOpenSource(t, Config{})
	s.mustPut(t, []byte{1, 2, 3})

	s.sink.send(wire.Fail{CausingID: 1, Code: wire.ErrorCodeNotBorrowed})
	if state := s.State(); state != StateError {
		t.Fatalf("expected error, got %v", state)
	}

	err := s.Put(context.Background(), []byte{1, 2, 3})
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestSourceUnexpectedMessage(t *testing.T) {
	tests := []struct {
		name string
		send func(*fakeSink)
	}{
		{"enqueue", func(f *fakeSink) { f.send(wire.Enqueue{Pixels: []byte{1, 2, 3}}) }},
		{"borrow", func(f *fakeSink) { f.send(wire.Borrow{FrameDuration: 1, BufferLength: 1}) }},
		{"unknown type", func(f *fakeSink) { f.sendRaw([]byte{9, 0, 0, 0, 0}) }},
		{"malformed", func(f *fakeSink) { f.sendRaw([]byte{1, 0, 0, 1, 0, 0}) }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestSource(t, Config{})
			test.send(s.sink)

			if state := s.State(); state != StateError {
				t.Fatalf("expected error, got %v", state)
			}
			if !errors.Is(s.Err(), ErrUnexpectedMessage) {
				t.Fatalf("expected ErrUnexpectedMessage, got %v", s.Err())
			}
		})
	}
}

func TestSourceResolveFailure(t *testing.T) {
	network := transport.NewNetwork()
	ep, err := network.Listen("source")
	if err != nil {
		t.Fatalf("Listen err=%v", err)
	}

	s := New(Config{FrameDuration: 17 * time.Millisecond}, WithTransport(ep))
	defer s.Close()

	if state := s.State(); state != StateError {
		t.Fatalf("expected error, got %v", state)
	}
	if s.Err() == nil {
		t.Fatal("expected a cause")
	}

	u := New(Config{Sink: "no port here", FrameDuration: 17 * time.Millisecond})
	defer u.Close()

	if state := u.State(); state != StateError {
		t.Fatalf("expected error for unresolvable UDP address, got %v", state)
	}
}

func TestSourceInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero frame duration", Config{Sink: "sink"}},
		{"frame duration too long", Config{Sink: "sink", FrameDuration: 300 * time.Millisecond}},
		{"buffer too long", Config{Sink: "sink", FrameDuration: time.Millisecond, BufferLength: 256}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ep, _ := transport.NewNetwork().Listen("source")

			s := New(test.cfg, WithTransport(ep))
			defer s.Close()

			if s.State() != StateError || s.Err() == nil {
				t.Fatalf("expected error, got %v", s.State())
			}
		})
	}
}

func TestSourceConnectionLost(t *testing.T) {
	s := newOpenSource(t, Config{DisconnectTimeout: 500 * time.Millisecond})

	s.clock.Advance(400 * time.Millisecond)
	s.sink.send(wire.Lent{})
	if state := s.State(); state != StateOpen {
		t.Fatalf("expected open, got %v", state)
	}

	s.clock.Advance(500 * time.Millisecond)
	if state := s.State(); state != StateOpen {
		t.Fatalf("expected keep-alive to hold the lease, got %v", state)
	}

	s.clock.Advance(time.Millisecond)
	if state := s.State(); state != StateError {
		t.Fatalf("expected error, got %v", state)
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", s.Err())
	}
}

func TestSourceLentKeepsSchedule(t *testing.T) {
	const n = 4
	s := newOpenSource(t, Config{BufferLength: n})

	for i := 0; i < n; i++ {
		s.mustPut(t, []byte{1, 2, 3})
	}

	s.sink.send(wire.Lent{})
	if c := s.PutReadyCount(); c != 0 {
		t.Fatalf("expected a repeated lent to keep the schedule, got %d ready", c)
	}
}

func TestSourcePutNotOpen(t *testing.T) {
	s := newTestSource(t, Config{})

	if err := s.Put(context.Background(), []byte{1, 2, 3}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if c := s.PutReadyCount(); c != 0 {
		t.Fatalf("expected no ready frames, got %d", c)
	}
	if _, ok := s.PutReadyTimeout(); ok {
		t.Fatal("expected no timeout while waiting")
	}
}

func TestSourcePutEmpty(t *testing.T) {
	s := newOpenSource(t, Config{})

	if err := s.Put(context.Background(), nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestSourcePutCanceled(t *testing.T) {
	const n = 2
	s := newOpenSource(t, Config{BufferLength: n})

	for i := 0; i < n; i++ {
		s.mustPut(t, []byte{1, 2, 3})
	}
	s.sink.receive()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Put(ctx, []byte{1, 2, 3}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if msgs := s.sink.receive(); len(msgs) != 0 {
		t.Fatalf("expected nothing sent, got %v", msgs)
	}
}

// failingTransport fails every Send while fail is set.
type failingTransport struct {
	*transport.Memory
	fail bool
}

func (f *failingTransport) Send(b []byte) error {
	if f.fail {
		return errors.New("send failed")
	}
	return f.Memory.Send(b)
}

func TestSourcePutSendFailure(t *testing.T) {
	network := transport.NewNetwork()
	sinkEP, _ := network.Listen("sink")
	ep, _ := network.Listen("source")

	tr := &failingTransport{Memory: ep}
	clk := clock.NewFake(0)

	s := New(Config{Sink: "sink", FrameDuration: 10 * time.Millisecond, BufferLength: 4},
		WithTransport(tr), WithClock(clk))
	defer s.Close()

	sink := &fakeSink{t: t, ep: sinkEP}
	sink.send(wire.Lent{})
	if state := s.State(); state != StateOpen {
		t.Fatalf("expected open, got %v", state)
	}

	tr.fail = true
	if err := s.Put(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected send error")
	}
	if c := s.PutReadyCount(); c != 4 {
		t.Fatalf("expected schedule unchanged, got %d ready", c)
	}

	tr.fail = false
	if err := s.Put(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put err=%v", err)
	}
	if c := s.PutReadyCount(); c != 3 {
		t.Fatalf("expected 3 ready frames, got %d", c)
	}
}

func TestSourceWaitOpen(t *testing.T) {
	s := newTestSource(t, Config{})
	s.sink.send(wire.Lent{})

	if err := s.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen err=%v", err)
	}
}

func TestSourceWaitOpenTimesOut(t *testing.T) {
	s := newTestSource(t, Config{})

	start := s.clock.Now()
	if err := s.WaitOpen(context.Background()); !errors.Is(err, ErrBorrowTimedOut) {
		t.Fatalf("expected ErrBorrowTimedOut, got %v", err)
	}
	if waited := s.clock.Now() - start; waited <= DefaultDisconnectTimeout.Milliseconds() {
		t.Fatalf("gave up after %dms", waited)
	}
}

func TestSourceWaitOpenCanceled(t *testing.T) {
	s := newTestSource(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.WaitOpen(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSourceIDsWrap(t *testing.T) {
	s := newOpenSource(t, Config{BufferLength: 255, FrameDuration: time.Millisecond})

	// The borrow used id 0.
	for i := 1; i < 65536; i++ {
		s.mustPut(t, []byte{1, 2, 3})
		if i%200 == 0 {
			s.sink.receive()
			s.sink.send(wire.Lent{})
		}
	}
	s.sink.receive()

	s.mustPut(t, []byte{1, 2, 3})
	msgs := s.sink.receive()
	if len(msgs) != 1 || msgs[0].ID != 0 {
		t.Fatalf("expected id to wrap to 0, got %v", msgs)
	}
}

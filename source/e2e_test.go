package source_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"libdb.so/atolla/clock"
	"libdb.so/atolla/sink"
	"libdb.so/atolla/source"
	"libdb.so/atolla/transport"
)

func TestStreamOverUDP(t *testing.T) {
	snk := sink.New(sink.Config{Lights: 1})
	defer snk.Close()

	if state := snk.State(); state != sink.StateOpen {
		t.Fatalf("sink is %v: %v", state, snk.Err())
	}

	port := snk.LocalAddr().(*net.UDPAddr).Port

	src := source.New(source.Config{
		Sink:          fmt.Sprintf("127.0.0.1:%d", port),
		FrameDuration: 17 * time.Millisecond,
		BufferLength:  60,
		RetryTimeout:  100 * time.Millisecond,
	})
	defer src.Close()

	deadline := time.Now().Add(2 * time.Second)
	for src.State() == source.StateWaiting {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the sink")
		}
		snk.State()
		time.Sleep(time.Millisecond)
	}

	if state := src.State(); state != source.StateOpen {
		t.Fatalf("source is %v: %v", state, src.Err())
	}

	if err := src.Put(context.Background(), []byte{255, 0, 0}); err != nil {
		t.Fatalf("Put err=%v", err)
	}

	time.Sleep(20 * time.Millisecond)

	frame := make([]byte, 3)
	if !snk.Get(frame) {
		t.Fatalf("no frame available, sink is %v", snk.State())
	}
	if !bytes.Equal(frame, []byte{255, 0, 0}) {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestStreamPlaybackDelay(t *testing.T) {
	const (
		bufferLength  = 8
		frameDuration = 10 * time.Millisecond
	)

	network := transport.NewNetwork()
	clk := clock.NewFake(0)

	sinkEP, err := network.Listen("sink")
	if err != nil {
		t.Fatal(err)
	}
	sourceEP, err := network.Listen("source")
	if err != nil {
		t.Fatal(err)
	}

	snk := sink.New(sink.Config{Lights: 1}, sink.WithTransport(sinkEP), sink.WithClock(clk))
	defer snk.Close()

	src := source.New(source.Config{
		Sink:          "sink",
		FrameDuration: frameDuration,
		BufferLength:  bufferLength,
	}, source.WithTransport(sourceEP), source.WithClock(clk))
	defer src.Close()

	snk.State()
	if err := src.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen err=%v", err)
	}

	frame := make([]byte, 3)
	for i := 0; i < 100; i++ {
		if err := src.Put(context.Background(), []byte{byte(i), 0, 0}); err != nil {
			t.Fatalf("Put(%d) err=%v", i, err)
		}

		if !snk.Get(frame) {
			t.Fatalf("no frame after put %d, sink is %v", i, snk.State())
		}

		// The sink is always a full buffer behind the source.
		if i >= bufferLength-1 {
			if want := byte(i - (bufferLength - 1)); frame[0] != want {
				t.Fatalf("after put %d the sink shows frame %d, expected %d", i, frame[0], want)
			}
		}
	}

	if state := src.State(); state != source.StateOpen {
		t.Fatalf("source is %v: %v", state, src.Err())
	}
}

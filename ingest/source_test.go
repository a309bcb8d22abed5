package ingest

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/zsiec/h264tcp/framing"
	"github.com/zsiec/h264tcp/media"
)

// annexBStream is SPS+PPS+IDR (one keyframe access unit) followed by a
// non-IDR slice (one delta access unit), with a trailing start code so
// the final slice is delimited.
var annexBStream = []byte{
	0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
	0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38,
	0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02,
	0x00, 0x00, 0x01,
}

// serve starts a loopback TCP server that handles exactly one
// connection with fn, returning the address to dial.
func serve(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()
	return l.Addr().String()
}

func waitDone(t *testing.T, s *Source) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source did not finish in time")
	}
}

func TestSourceAnnexB(t *testing.T) {
	t.Parallel()

	addr := serve(t, func(conn net.Conn) {
		conn.Write(annexBStream)
		conn.Close()
	})

	var units []media.AccessUnit
	src := New(Config{
		Addr: addr,
		Mode: framing.ModeAnnexB,
		Sink: func(au media.AccessUnit) error {
			units = append(units, au)
			return nil
		},
	})

	src.Start()
	waitDone(t, src)

	if len(units) != 2 {
		t.Fatalf("access units: got %d, want 2", len(units))
	}

	wantFirst := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	if !bytes.Equal(units[0].Data, wantFirst) {
		t.Errorf("first unit: got %x, want %x", units[0].Data, wantFirst)
	}
	if !units[0].IsKeyframe {
		t.Error("first unit should be a keyframe")
	}
	if units[1].IsKeyframe {
		t.Error("second unit should not be a keyframe")
	}
	if units[1].TimestampUS < units[0].TimestampUS {
		t.Error("timestamps must be non-decreasing")
	}
	if src.Running() {
		t.Error("source should have stopped after stream end")
	}

	stats := src.Stats()
	if stats.AccessUnits != 2 {
		t.Errorf("stats.AccessUnits: got %d, want 2", stats.AccessUnits)
	}
	if stats.BytesReceived != int64(len(annexBStream)) {
		t.Errorf("stats.BytesReceived: got %d, want %d", stats.BytesReceived, len(annexBStream))
	}
}

func TestSourceAVCC(t *testing.T) {
	t.Parallel()

	addr := serve(t, func(conn net.Conn) {
		// Length 2 + non-IDR slice payload.
		conn.Write([]byte{0x00, 0x00, 0x00, 0x02, 0x41, 0x09})
		conn.Close()
	})

	units := make(chan media.AccessUnit, 4)
	src := New(Config{
		Addr: addr,
		Mode: framing.ModeAVCC,
		Sink: func(au media.AccessUnit) error {
			units <- au
			return nil
		},
	})

	src.Start()
	waitDone(t, src)
	close(units)

	var got []media.AccessUnit
	for au := range units {
		got = append(got, au)
	}
	if len(got) != 1 {
		t.Fatalf("access units: got %d, want 1", len(got))
	}
	want := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x09}
	if !bytes.Equal(got[0].Data, want) {
		t.Errorf("unit data: got %x, want %x", got[0].Data, want)
	}
	if got[0].IsKeyframe {
		t.Error("non-IDR slice should not produce a keyframe unit")
	}
}

func TestSourceAVCCInvalidLength(t *testing.T) {
	t.Parallel()

	addr := serve(t, func(conn net.Conn) {
		conn.Write([]byte{0x00, 0x00, 0x00, 0x00})
		// Keep the connection open: termination must come from the
		// length check, not from close.
		time.Sleep(2 * time.Second)
		conn.Close()
	})

	emitted := 0
	src := New(Config{
		Addr: addr,
		Mode: framing.ModeAVCC,
		Sink: func(media.AccessUnit) error {
			emitted++
			return nil
		},
	})

	src.Start()
	waitDone(t, src)

	if emitted != 0 {
		t.Errorf("access units emitted: got %d, want 0", emitted)
	}
	if src.Running() {
		t.Error("source should have stopped on invalid length")
	}
}

func TestSourceStopUnblocksRead(t *testing.T) {
	t.Parallel()

	connected := make(chan struct{})
	addr := serve(t, func(conn net.Conn) {
		close(connected)
		// Silent peer: never writes, never closes.
		time.Sleep(10 * time.Second)
		conn.Close()
	})

	src := New(Config{Addr: addr, Mode: framing.ModeAnnexB})
	src.Start()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	start := time.Now()
	src.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v against a silent peer, want bounded return", elapsed)
	}
	if src.Running() {
		t.Error("source still running after Stop")
	}
}

func TestSourceBackpressure(t *testing.T) {
	t.Parallel()

	const numUnits = 5
	var stream []byte
	for i := 0; i < numUnits; i++ {
		stream = append(stream, 0x00, 0x00, 0x00, 0x01, 0x41, byte(i))
	}
	stream = append(stream, 0x00, 0x00, 0x01)

	addr := serve(t, func(conn net.Conn) {
		conn.Write(stream)
		conn.Close()
	})

	const sinkDelay = 50 * time.Millisecond
	var order []byte
	src := New(Config{
		Addr: addr,
		Mode: framing.ModeAnnexB,
		Sink: func(au media.AccessUnit) error {
			// Slow sink: ingestion must stall, never drop or reorder.
			time.Sleep(sinkDelay)
			order = append(order, au.Data[5])
			return nil
		},
	})

	start := time.Now()
	src.Start()
	waitDone(t, src)
	elapsed := time.Since(start)

	if len(order) != numUnits {
		t.Fatalf("delivered units: got %d, want %d", len(order), numUnits)
	}
	for i, seq := range order {
		if seq != byte(i) {
			t.Errorf("unit %d: got sequence %d, want %d", i, seq, i)
		}
	}
	if elapsed < time.Duration(numUnits)*sinkDelay {
		t.Errorf("total time %v, want at least %v (sink must gate reads)",
			elapsed, time.Duration(numUnits)*sinkDelay)
	}
}

func TestSourceSinkErrorDoesNotStop(t *testing.T) {
	t.Parallel()

	addr := serve(t, func(conn net.Conn) {
		conn.Write(annexBStream)
		conn.Close()
	})

	delivered := 0
	src := New(Config{
		Addr: addr,
		Mode: framing.ModeAnnexB,
		Sink: func(media.AccessUnit) error {
			delivered++
			return errors.New("downstream capture failed")
		},
	})

	src.Start()
	waitDone(t, src)

	// Both units are still offered to the sink despite the rejections.
	if delivered != 2 {
		t.Errorf("sink invocations: got %d, want 2", delivered)
	}
}

func TestSourceConnectFailure(t *testing.T) {
	t.Parallel()

	// Grab a port and close the listener so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	src := New(Config{Addr: addr, Mode: framing.ModeAVCC})
	src.Start()
	waitDone(t, src)

	if src.Running() {
		t.Error("source should not be running after connect failure")
	}
}

func TestSourceLifecycleIdempotent(t *testing.T) {
	t.Parallel()

	src := New(Config{Addr: "127.0.0.1:1", Mode: framing.ModeAVCC})

	// Stop before Start is a no-op.
	src.Stop()

	src.Start()
	src.Start() // second Start while running is a no-op
	src.Stop()
	src.Stop() // second Stop is a no-op

	if src.Running() {
		t.Error("source running after Stop")
	}
}

func TestSourceRestart(t *testing.T) {
	t.Parallel()

	record := []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0x01}

	for i := 0; i < 2; i++ {
		addr := serve(t, func(conn net.Conn) {
			conn.Write(record)
			conn.Close()
		})

		got := 0
		src := New(Config{
			Addr: addr,
			Mode: framing.ModeAVCC,
			Sink: func(media.AccessUnit) error {
				got++
				return nil
			},
		})
		src.Start()
		waitDone(t, src)
		src.Stop()

		if got != 1 {
			t.Fatalf("run %d: access units got %d, want 1", i, got)
		}
	}
}

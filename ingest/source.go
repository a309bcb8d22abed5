// Package ingest connects to a TCP server carrying a raw H.264
// elementary stream, reassembles access units on a dedicated worker
// goroutine, and delivers them to a caller-supplied sink.
package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/h264tcp/framing"
	"github.com/zsiec/h264tcp/media"
)

// Sink receives completed access units, one at a time, on the worker
// goroutine. The source does not read further bytes until the sink
// returns, so a slow sink stalls ingestion rather than dropping or
// reordering units. A sink error is logged and the unit is considered
// delivered; it never terminates the source. The sink must not call
// Stop on its own source, since Stop joins the goroutine the sink runs
// on.
type Sink func(media.AccessUnit) error

// Config describes one source connection. All fields are fixed for the
// lifetime of the connection.
type Config struct {
	// Addr is the host:port of the TCP server to pull from.
	Addr string
	// Mode selects the wire framing (AVCC or Annex B).
	Mode framing.Mode
	// Sink receives completed access units. May be nil, in which case
	// units are assembled and discarded.
	Sink Sink
	// Log is the logger for connection lifecycle events. Defaults to
	// slog.Default().
	Log *slog.Logger
}

// Source pulls an H.264 elementary stream from a TCP server and emits
// access units. One worker goroutine per source performs the blocking
// reads; Start and Stop may be called from any goroutine and are
// idempotent.
type Source struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}

	bytesReceived atomic.Int64
	nalUnits      atomic.Int64
	accessUnits   atomic.Int64
	connectedAt   atomic.Int64
}

// New creates a Source for the given configuration. The connection is
// not opened until Start.
func New(cfg Config) *Source {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log: log.With("component", "h264-source", "addr", cfg.Addr),
		cfg: cfg,
	}
}

// Start spawns the worker goroutine, which dials the server and streams
// until an I/O error, end of stream, or Stop. No-op if the source is
// already running.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return
	}
	s.running.Store(true)
	s.done = make(chan struct{})
	go s.run(s.done)
}

// Stop requests termination, closes the socket to unblock any pending
// read, and waits for the worker goroutine to exit. Safe to call
// multiple times and before Start. Must not be called from the sink.
func (s *Source) Stop() {
	// Clear the run flag before inspecting the connection: the worker
	// only registers its conn while the flag is set, so after this
	// store either we see the conn and close it, or the worker sees
	// the cleared flag and exits before blocking on a read.
	s.running.Store(false)

	s.mu.Lock()
	done := s.done
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the worker goroutine is active. It becomes
// false on Stop, connect failure, or any terminal read error.
func (s *Source) Running() bool {
	return s.running.Load()
}

// Done returns a channel that is closed when the worker goroutine exits.
// Returns nil if the source has never been started; receiving from a nil
// channel blocks forever, which composes correctly in a select.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stats is a snapshot of connection-level counters for monitoring
// source health.
type Stats struct {
	BytesReceived int64 `json:"bytesReceived"`
	NALUnits      int64 `json:"nalUnits"`
	AccessUnits   int64 `json:"accessUnits"`
	ConnectedAt   int64 `json:"connectedAt"`
	UptimeMs      int64 `json:"uptimeMs"`
}

// Stats returns a snapshot of the source's connection metrics.
func (s *Source) Stats() Stats {
	st := Stats{
		BytesReceived: s.bytesReceived.Load(),
		NALUnits:      s.nalUnits.Load(),
		AccessUnits:   s.accessUnits.Load(),
		ConnectedAt:   s.connectedAt.Load(),
	}
	if st.ConnectedAt > 0 {
		st.UptimeMs = time.Now().UnixMilli() - st.ConnectedAt
	}
	return st
}

func (s *Source) run(done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	conn, err := net.Dial("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("connect failed", "error", err)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Disable Nagle coalescing so small access units are not
		// delayed by the sender's TCP stack.
		tc.SetNoDelay(true)
	}

	s.mu.Lock()
	if !s.running.Load() {
		// Stop raced the dial; it never saw this conn, so close it here.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	s.connectedAt.Store(time.Now().UnixMilli())
	s.log.Info("connected", "framing", s.cfg.Mode.String())

	reader := &countingReader{r: conn, n: &s.bytesReceived}
	var fr framing.Framer
	switch s.cfg.Mode {
	case framing.ModeAnnexB:
		fr = framing.NewAnnexB(reader)
	default:
		fr = framing.NewAVCC(reader)
	}

	asm := media.NewAssembler()

	for s.running.Load() {
		nal, err := fr.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Info("stream ended")
			case errors.Is(err, net.ErrClosed):
				// Stop closed the socket under us.
			default:
				s.log.Error("read failed", "error", err)
			}
			return
		}
		s.nalUnits.Add(1)

		au, ok := asm.Push(nal)
		if !ok {
			continue
		}
		s.accessUnits.Add(1)

		if s.cfg.Sink != nil {
			if err := s.cfg.Sink(au); err != nil {
				s.log.Warn("sink rejected access unit",
					"timestamp_us", au.TimestampUS, "error", err)
			}
		}
	}
}

// countingReader tracks bytes received across framer reads.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

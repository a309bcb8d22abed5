// Command h264watch connects to a TCP server carrying a raw H.264
// elementary stream and logs the access units it receives: timestamps,
// sizes, keyframe cadence, and the stream resolution parsed from the
// first SPS. It is the reference consumer for the ingest library.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/h264tcp/framing"
	"github.com/zsiec/h264tcp/h264"
	"github.com/zsiec/h264tcp/ingest"
	"github.com/zsiec/h264tcp/media"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := flag.String("addr", envOr("H264_TCP_ADDR", "127.0.0.1:5004"),
		"host:port of the H.264 TCP server")
	framingName := flag.String("framing", envOr("H264_TCP_FRAMING", "avcc"),
		"wire framing: avcc (length-prefixed) or annexb (byte-stream)")
	statsEvery := flag.Duration("stats", 5*time.Second,
		"interval between stats log lines (0 disables)")
	flag.Parse()

	mode, err := framing.ParseMode(*framingName)
	if err != nil {
		slog.Error("invalid framing", "error", err)
		os.Exit(1)
	}

	slog.Info("h264watch starting", "version", version, "addr", *addr, "framing", mode.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	w := &watcher{log: slog.With("component", "watcher")}
	src := ingest.New(ingest.Config{
		Addr: *addr,
		Mode: mode,
		Sink: w.handle,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		src.Start()
		select {
		case <-src.Done():
		case <-ctx.Done():
			src.Stop()
		}
		cancel()
		return nil
	})

	if *statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					st := src.Stats()
					slog.Info("stats",
						"bytes", st.BytesReceived,
						"nal_units", st.NALUnits,
						"access_units", st.AccessUnits,
						"uptime_ms", st.UptimeMs,
					)
				}
			}
		})
	}

	g.Wait()

	st := src.Stats()
	slog.Info("h264watch done",
		"access_units", st.AccessUnits,
		"keyframes", w.keyframes,
		"bytes", st.BytesReceived,
	)
}

type watcher struct {
	log       *slog.Logger
	keyframes int64
	sized     bool
}

// handle runs on the source's worker goroutine, once per access unit.
func (w *watcher) handle(au media.AccessUnit) error {
	if au.IsKeyframe {
		w.keyframes++
		if !w.sized {
			if info, ok := spsInfo(au.Data); ok {
				w.log.Info("stream parameters",
					"codec", info.CodecString(),
					"width", info.Width,
					"height", info.Height,
				)
				w.sized = true
			}
		}
	}

	w.log.Debug("access unit",
		"timestamp_us", au.TimestampUS,
		"bytes", len(au.Data),
		"nal_units", au.NALCount(),
		"keyframe", au.IsKeyframe,
	)
	return nil
}

// spsInfo scans an Annex B access unit for an SPS NAL and parses it.
func spsInfo(data []byte) (h264.SPSInfo, bool) {
	pos := 0
	for {
		off, size, ok := h264.FindStartCode(data, pos)
		if !ok {
			return h264.SPSInfo{}, false
		}
		nalStart := off + size
		end := len(data)
		if next, _, ok := h264.FindStartCode(data, nalStart); ok {
			end = next
		}
		nal := data[nalStart:end]
		if h264.NALType(nal) == h264.NALTypeSPS {
			info, err := h264.ParseSPS(nal)
			if err == nil {
				return info, true
			}
		}
		pos = end
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

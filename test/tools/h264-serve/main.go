// Command h264-serve is a test sender: it listens on a TCP port and
// feeds connected clients a synthetic H.264 elementary stream in either
// Annex B or AVCC framing at a fixed frame rate. The slice payloads are
// not decodable video, but the NAL headers, parameter sets, and GOP
// cadence are realistic enough to exercise the full ingest path.
package main

import (
	"encoding/binary"
	"flag"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/zsiec/h264tcp/framing"
)

// Baseline 1280x720 SPS and a matching PPS, captured from an x264 encode.
var (
	sps = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	addr := flag.String("addr", ":5004", "listen address")
	framingName := flag.String("framing", "avcc", "wire framing: avcc or annexb")
	fps := flag.Int("fps", 30, "frames per second")
	gop := flag.Int("gop", 30, "frames per GOP (keyframe interval)")
	payload := flag.Int("payload", 1200, "slice payload size in bytes")
	flag.Parse()

	mode, err := framing.ParseMode(*framingName)
	if err != nil {
		slog.Error("invalid framing", "error", err)
		os.Exit(1)
	}

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("listen failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	slog.Info("serving synthetic H.264", "addr", *addr, "framing", mode.String(),
		"fps", *fps, "gop", *gop)

	for {
		conn, err := l.Accept()
		if err != nil {
			slog.Warn("accept error", "error", err)
			continue
		}
		slog.Info("client connected", "remote", conn.RemoteAddr())
		go feed(conn, mode, *fps, *gop, *payload)
	}
}

func feed(conn net.Conn, mode framing.Mode, fps, gop, payloadSize int) {
	defer conn.Close()

	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := 0
	for range ticker.C {
		var nals [][]byte
		if frame%gop == 0 {
			nals = append(nals, sps, pps, slice(0x65, frame, payloadSize))
		} else {
			nals = append(nals, slice(0x41, frame, payloadSize))
		}

		for _, nal := range nals {
			if err := writeNAL(conn, mode, nal); err != nil {
				slog.Info("client gone", "remote", conn.RemoteAddr(), "frames", frame)
				return
			}
		}
		frame++
	}
}

// slice builds a fake slice NAL: a real header byte followed by filler
// that cannot contain a start code.
func slice(header byte, frame, size int) []byte {
	nal := make([]byte, size)
	nal[0] = header
	for i := 1; i < size; i++ {
		nal[i] = byte(0x80 | (frame+i)&0x3F)
	}
	return nal
}

func writeNAL(conn net.Conn, mode framing.Mode, nal []byte) error {
	if mode == framing.ModeAnnexB {
		if _, err := conn.Write([]byte{0x00, 0x00, 0x00, 0x01}); err != nil {
			return err
		}
		_, err := conn.Write(nal)
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nal)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(nal)
	return err
}

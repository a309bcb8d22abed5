// Package media defines the access-unit type produced by the ingest
// path and the assembler that groups NAL units into access units.
package media

import (
	"time"

	"github.com/zsiec/h264tcp/h264"
)

// AccessUnit is one coded picture's worth of NAL units in Annex B
// format, each prefixed with the canonical 4-byte start code. Ownership
// transfers to the sink on emission; the assembler never touches it
// again.
type AccessUnit struct {
	Data        []byte
	TimestampUS int64 // microseconds since connection start, monotonic
	IsKeyframe  bool  // true if any contained NAL was an IDR slice
}

// NALCount returns the number of NAL units in the access unit by
// counting start codes.
func (au AccessUnit) NALCount() int {
	count := 0
	for pos := 0; ; {
		off, size, ok := h264.FindStartCode(au.Data, pos)
		if !ok {
			return count
		}
		count++
		pos = off + size
	}
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Assembler accumulates consecutive NAL units into access units. A VCL
// (slice) NAL closes the unit; parameter sets, SEI, and other non-VCL
// NALs accumulate into the unit that their following slice closes,
// matching decoder access-unit grouping for one-slice-per-frame streams.
// At most one unit is in progress at a time. Not safe for concurrent
// use; the ingest worker owns it.
type Assembler struct {
	epoch  time.Time
	buf    []byte
	hasIDR bool
	lastTS int64
}

// NewAssembler creates an Assembler whose timestamps are relative to
// now, sampled from the monotonic clock.
func NewAssembler() *Assembler {
	return &Assembler{epoch: time.Now()}
}

// Push appends one NAL unit (re-prefixed with the 4-byte start code) to
// the in-progress access unit. If the NAL is a VCL slice the unit is
// complete: Push stamps it with the emission-time timestamp, moves the
// buffer out, resets, and returns it with ok=true. Otherwise the unit
// stays open and ok is false.
func (a *Assembler) Push(nal []byte) (AccessUnit, bool) {
	a.buf = append(a.buf, startCode...)
	a.buf = append(a.buf, nal...)
	if h264.IsIDR(nal) {
		a.hasIDR = true
	}

	if !h264.IsVCL(nal) {
		return AccessUnit{}, false
	}

	ts := time.Since(a.epoch).Microseconds()
	if ts < a.lastTS {
		ts = a.lastTS
	}
	a.lastTS = ts

	au := AccessUnit{
		Data:        a.buf,
		TimestampUS: ts,
		IsKeyframe:  a.hasIDR,
	}
	a.buf = nil
	a.hasIDR = false
	return au, true
}

// Package framing recovers individual H.264 NAL units from the two wire
// framings an elementary-stream TCP feed can use: Annex B start-code
// delimited byte streams and AVCC 4-byte length-prefixed records. Both
// framers present the same pull interface so the ingest loop does not
// care which one is active.
package framing

import (
	"errors"
	"fmt"
	"strings"
)

// MaxNALSize bounds the size of a single NAL unit (4 MiB). AVCC lengths
// above it are rejected as corrupt; the Annex B framer applies the same
// cap to its unparsed buffer so a peer that never sends a start code
// cannot grow memory without bound.
const MaxNALSize = 4 << 20

// ErrInvalidLength is returned by the AVCC framer for a zero or
// oversized length prefix. It is fatal for the connection.
var ErrInvalidLength = errors.New("invalid NAL length")

// ErrNALTooLarge is returned by the Annex B framer when the unparsed
// buffer exceeds MaxNALSize without a complete NAL unit appearing.
var ErrNALTooLarge = errors.New("NAL unit exceeds maximum size")

// Framer produces NAL units one at a time from an underlying byte
// stream. Next returns io.EOF on clean end of stream; any other error is
// fatal for the connection. Implementations are not safe for concurrent
// use; a single reader goroutine owns the framer.
type Framer interface {
	Next() ([]byte, error)
}

// Mode selects the wire framing for a connection. It is fixed for the
// lifetime of the connection.
type Mode int

const (
	// ModeAVCC frames each NAL unit as a 4-byte big-endian length
	// followed by exactly that many payload bytes.
	ModeAVCC Mode = iota
	// ModeAnnexB frames NAL units with 3- or 4-byte start codes and no
	// length fields.
	ModeAnnexB
)

// String returns the mode name as used on the command line.
func (m Mode) String() string {
	switch m {
	case ModeAVCC:
		return "avcc"
	case ModeAnnexB:
		return "annexb"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a framing mode name ("avcc" or "annexb"),
// case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "avcc":
		return ModeAVCC, nil
	case "annexb":
		return ModeAnnexB, nil
	default:
		return 0, fmt.Errorf("unknown framing mode %q", s)
	}
}

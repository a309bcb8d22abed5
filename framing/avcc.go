package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// AVCC reads length-prefixed NAL units directly from the transport.
// Record boundaries are explicit, so no stream buffer is needed; partial
// reads are retried until each field is complete.
type AVCC struct {
	r      io.Reader
	lenBuf [4]byte
}

// NewAVCC creates an AVCC framer reading from r.
func NewAVCC(r io.Reader) *AVCC {
	return &AVCC{r: r}
}

// Next reads one length-prefixed NAL unit. A zero length or a length
// above MaxNALSize is rejected with ErrInvalidLength, which is fatal for
// the connection. A clean close before a length field returns io.EOF; a
// close mid-record is an error.
func (f *AVCC) Next() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short NAL length prefix: %w", err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(f.lenBuf[:])
	if length == 0 || length > MaxNALSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	nal := make([]byte, length)
	if _, err := io.ReadFull(f.r, nal); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short NAL payload: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return nal, nil
}

package framing

import (
	"io"

	"github.com/zsiec/h264tcp/h264"
)

// readChunkSize is the socket read size for Annex B streams, matching
// the chunked arrival pattern of a TCP elementary-stream feed.
const readChunkSize = 64 << 10

// AnnexB reassembles start-code delimited NAL units from a byte stream
// that arrives in arbitrary chunks. A NAL unit, start code, or any part
// of either may span multiple reads; the framer buffers the unparsed
// tail between reads and evicts bytes as soon as they are consumed.
type AnnexB struct {
	r       io.Reader
	chunk   []byte
	buf     []byte
	pending [][]byte
	err     error
}

// NewAnnexB creates an Annex B framer reading from r.
func NewAnnexB(r io.Reader) *AnnexB {
	return &AnnexB{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next complete NAL unit, reading from the underlying
// stream as needed. The returned slice is an owned copy. Returns io.EOF
// once the stream ends and all complete NAL units have been drained;
// bytes after the final start code with no terminating start code are
// discarded, since their end cannot be known.
func (f *AnnexB) Next() ([]byte, error) {
	for len(f.pending) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.feed(f.chunk[:n])
		}
		if err != nil {
			f.err = err
		} else if len(f.buf) > MaxNALSize {
			f.err = ErrNALTooLarge
		}
	}

	nal := f.pending[0]
	f.pending = f.pending[1:]
	return nal, nil
}

// feed appends chunk to the unparsed buffer and extracts every NAL unit
// whose boundaries are now known. Bytes before the first start code are
// not part of any NAL and are dropped. A zero-length gap between
// back-to-back start codes yields no NAL. The consumed prefix is evicted
// afterwards so the buffer holds at most one incomplete NAL.
func (f *AnnexB) feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)

	pos := 0
	for {
		off, size, ok := h264.FindStartCode(f.buf, pos)
		if !ok {
			break
		}
		if pos == 0 && off > 0 {
			f.buf = append(f.buf[:0], f.buf[off:]...)
			continue
		}

		nalStart := off + size
		next, _, ok := h264.FindStartCode(f.buf, nalStart)
		if !ok {
			// The current NAL is incomplete; wait for more input.
			break
		}
		if next > nalStart {
			nal := make([]byte, next-nalStart)
			copy(nal, f.buf[nalStart:next])
			f.pending = append(f.pending, nal)
		}
		pos = next
	}

	if pos > 0 {
		f.buf = append(f.buf[:0], f.buf[pos:]...)
	}
}

// Package h264 holds the codec-specific knowledge of the ingest path:
// NAL unit classification from the header byte, Annex B start-code
// scanning, and a minimal SPS parse for diagnostics. Everything
// downstream of this package is codec-agnostic.
package h264

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// NALType extracts the 5-bit nal_unit_type field from a NAL unit's header
// byte. Returns 0 for an empty slice.
func NALType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// IsVCL reports whether the NAL unit carries a coded picture slice
// (type 1 non-IDR or type 5 IDR). A slice NAL closes the current access
// unit; everything else accumulates into the next one.
func IsVCL(nal []byte) bool {
	t := NALType(nal)
	return t == NALTypeSlice || t == NALTypeIDR
}

// IsIDR reports whether the NAL unit is an IDR slice (type 5), marking
// a keyframe that needs no prior reference.
func IsIDR(nal []byte) bool {
	return len(nal) > 0 && nal[0]&0x1F == NALTypeIDR
}

// FindStartCode returns the offset and length (3 or 4) of the next Annex B
// start code (0x000001 or 0x00000001) in buf at or after from. A zero byte
// extending a 3-byte code into the 4-byte form is reported as a single
// 4-byte match at the position of the leading zero, never as two
// overlapping codes. Buffers with fewer than 3 bytes after from report no
// match. Does not allocate.
func FindStartCode(buf []byte, from int) (offset, size int, ok bool) {
	for i := from; i+2 < len(buf); i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+2] == 1 {
			return i, 3, true
		}
		if buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1 {
			return i, 4, true
		}
	}
	return 0, 0, false
}

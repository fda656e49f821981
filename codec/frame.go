// Package codec
// Author: momentics <momentics@gmail.com>
//
// Frame header encode/decode for the batching codec (spec.md §4.1), used to
// serialize application messages for reliable (TCP) transport. Distinct
// from the nom1 package's fixed 2-byte command header: this is the
// variable-length size+more frame header wrapped around each message body.
//
// Resolves spec.md §9 Open Question (a): the original used a sentinel byte
// of 0xFF while also storing size+1 in the short form, so size==0xFE and the
// sentinel collided. Here the short form covers body sizes 0..253 (encoded
// as size+1 in 1..254, keeping 0xFF free as an unambiguous escape sentinel),
// and the extended form stores the raw body size as an 8-byte big-endian
// integer rather than size+1, so there is exactly one way to decode any
// valid header.

package codec

import (
	"encoding/binary"

	"github.com/momentics/vtx/vtxerr"
)

const (
	// shortFormCutoff is the largest body size the 2-byte header can encode.
	shortFormCutoff = 0xFE - 1 // 253
	extendedSentinel = 0xFF
)

// HeaderLen returns the encoded header length (2 or 10 bytes) for a body of
// the given size.
func HeaderLen(bodySize int) int {
	if bodySize <= shortFormCutoff {
		return 2
	}
	return 10
}

// EncodeFrameHeader writes the frame header for a body of length bodySize
// into dst, which must be at least HeaderLen(bodySize) bytes, and returns
// the number of bytes written.
func EncodeFrameHeader(dst []byte, bodySize int, more bool) int {
	moreByte := byte(0)
	if more {
		moreByte = 1
	}
	if bodySize <= shortFormCutoff {
		dst[0] = byte(bodySize + 1)
		dst[1] = moreByte
		return 2
	}
	dst[0] = extendedSentinel
	binary.BigEndian.PutUint64(dst[1:9], uint64(bodySize))
	dst[9] = moreByte
	return 10
}

// DecodedFrameHeader is the parsed form of a frame header.
type DecodedFrameHeader struct {
	BodySize int
	More     bool
	HeaderLen int
}

// DecodeFrameHeader parses a frame header from the front of src. A leading
// zero byte is a programming error (malformed input) and is fatal per
// spec.md §7; src must contain at least 2 bytes, and 10 if the sentinel is
// present.
func DecodeFrameHeader(src []byte) (DecodedFrameHeader, error) {
	if len(src) < 2 {
		return DecodedFrameHeader{}, vtxerr.Wrap(vtxerr.KindProtocol, ErrShortFrameHeader, "decode frame header")
	}
	if src[0] == 0 {
		return DecodedFrameHeader{}, vtxerr.New(vtxerr.KindFatal, "frame header length is zero")
	}
	if src[0] != extendedSentinel {
		return DecodedFrameHeader{
			BodySize:  int(src[0]) - 1,
			More:      src[1] != 0,
			HeaderLen: 2,
		}, nil
	}
	if len(src) < 10 {
		return DecodedFrameHeader{}, vtxerr.Wrap(vtxerr.KindProtocol, ErrShortFrameHeader, "decode extended frame header")
	}
	return DecodedFrameHeader{
		BodySize:  int(binary.BigEndian.Uint64(src[1:9])),
		More:      src[9] != 0,
		HeaderLen: 10,
	}, nil
}

// ErrShortFrameHeader indicates fewer bytes were available than the header needs.
var ErrShortFrameHeader = vtxerr.New(vtxerr.KindProtocol, "buffer shorter than frame header")

// Package nom1
// Author: momentics <momentics@gmail.com>
//
// NOM-1 wire header: a 2-byte command header (version, command, 4-bit
// sequence) followed by an opaque command body (spec.md §4.5), grounded on
// the teacher's protocol.DecodeFrameFromBytes/EncodeFrameToBytes pair in
// core/protocol/frame_codec.go, generalized from a WebSocket frame header
// to this fabric's fixed 2-byte control header.

package nom1

import (
	"github.com/momentics/vtx/vtxerr"
)

// Version is the only NOM-1 protocol version this implementation speaks.
const Version = 1

// Command identifies a NOM-1 control/data command.
type Command byte

const (
	CmdROTFL  Command = 0
	CmdOHAI   Command = 1
	CmdOHAIOK Command = 2
	CmdHUGZ   Command = 3
	CmdHUGZOK Command = 4
	CmdNOM    Command = 5
	maxKnownCommand         = CmdNOM
)

func (c Command) String() string {
	switch c {
	case CmdROTFL:
		return "ROTFL"
	case CmdOHAI:
		return "OHAI"
	case CmdOHAIOK:
		return "OHAI-OK"
	case CmdHUGZ:
		return "HUGZ"
	case CmdHUGZOK:
		return "HUGZ-OK"
	case CmdNOM:
		return "NOM"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed NOM-1 header length in bytes.
const HeaderSize = 2

// Header is the decoded form of the 2-byte NOM-1 header.
type Header struct {
	Version  byte
	Command  Command
	Sequence byte // 4 bits, 0..15
}

// EncodeHeader serializes h into a 2-byte header.
func EncodeHeader(h Header) [HeaderSize]byte {
	var out [HeaderSize]byte
	out[0] = (h.Version & 0x0F) << 4
	out[1] = (byte(h.Command)&0x0F)<<4 | (h.Sequence & 0x0F)
	return out
}

// DecodeHeader parses the first two bytes of buf as a NOM-1 header. Callers
// must check the returned error kind: a version mismatch and an unknown
// command are both reported as KindProtocol errors per spec.md §7 and should
// be counted and the datagram dropped, not treated as fatal.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, vtxerr.Wrap(vtxerr.KindProtocol, ErrShortHeader, "decode NOM-1 header")
	}
	version := buf[0] >> 4
	cmd := Command(buf[1] >> 4)
	seq := buf[1] & 0x0F

	if version != Version {
		return Header{}, vtxerr.New(vtxerr.KindProtocol, "NOM-1 version mismatch").With("version", version)
	}
	if cmd > maxKnownCommand {
		return Header{}, vtxerr.New(vtxerr.KindProtocol, "unknown NOM-1 command").With("command", byte(cmd))
	}
	return Header{Version: version, Command: cmd, Sequence: seq}, nil
}

// Encode builds a full NOM-1 datagram: header followed by body. Body must
// already respect the driver's configured maximum datagram size; Encode
// itself does not enforce a cap since that is driver-specific (spec.md §6).
func Encode(h Header, body []byte) []byte {
	hdr := EncodeHeader(h)
	out := make([]byte, HeaderSize+len(body))
	copy(out, hdr[:])
	copy(out[HeaderSize:], body)
	return out
}

// Decode splits a datagram into its header and body.
func Decode(datagram []byte) (Header, []byte, error) {
	h, err := DecodeHeader(datagram)
	if err != nil {
		return Header{}, nil, err
	}
	return h, datagram[HeaderSize:], nil
}

// ErrShortHeader is returned when a datagram is too small to hold a NOM-1 header.
var ErrShortHeader = vtxerr.New(vtxerr.KindProtocol, "datagram shorter than NOM-1 header")

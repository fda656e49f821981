package nom1

import (
	"testing"

	"github.com/momentics/vtx/vtxerr"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, h := range []Header{
		{Version: Version, Command: CmdOHAI, Sequence: 0},
		{Version: Version, Command: CmdNOM, Sequence: 15},
		{Version: Version, Command: CmdHUGZOK, Sequence: 7},
	} {
		enc := EncodeHeader(h)
		got, err := DecodeHeader(enc[:])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: want %+v got %+v", h, got)
		}
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{0x10}); err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestDecodeHeaderVersionMismatch(t *testing.T) {
	bad := EncodeHeader(Header{Version: 2, Command: CmdNOM})
	_, err := DecodeHeader(bad[:])
	if !vtxerr.Is(err, vtxerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDecodeHeaderUnknownCommand(t *testing.T) {
	var raw [HeaderSize]byte
	raw[0] = Version << 4
	raw[1] = 0x60 // command 6, beyond CmdNOM(5)
	if _, err := DecodeHeader(raw[:]); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestEncodeDecodeBody(t *testing.T) {
	body := []byte("ICANHAZ?")
	datagram := Encode(Header{Version: Version, Command: CmdNOM, Sequence: 3}, body)
	h, gotBody, err := Decode(datagram)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Command != CmdNOM || h.Sequence != 3 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body mismatch: want %q got %q", body, gotBody)
	}
}

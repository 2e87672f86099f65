package bridge

import (
	"fmt"
)

// Command is a four-byte ASCII packet tag stored as a little-endian uint32.
type Command uint32

// String renders the tag the way it reads on the wire, e.g. "CNXN".
// Non-printable tags are rendered as hex.
func (c Command) String() string {
	b := [4]byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b[:])
}

// known reports whether the tag belongs to the closed command set accepted
// at dispatch. SYNC is excluded: it survives only as a wire constant and is
// rejected like any unknown tag.
func (c Command) known() bool {
	switch c {
	case CmdCnxn, CmdAuth, CmdOpen, CmdOkay, CmdClse, CmdWrte, CmdStls:
		return true
	}
	return false
}

// Header is the fixed 24-byte packet header. Magic is always the bitwise
// complement of Command; both encode and decode enforce it.
type Header struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

// Packet is a header plus a payload of exactly DataLength bytes. The only
// way to build one is NewPacket or DecodePayload, so a length mismatch is
// not representable.
type Packet struct {
	Header
	Payload Block
}

// NewPacket builds a packet for the given command and args. The header's
// DataLength and Magic are derived; DataCheck is filled in at encode time
// since it depends on the negotiated protocol version.
func NewPacket(cmd Command, arg0, arg1 uint32, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Command:    cmd,
			Arg0:       arg0,
			Arg1:       arg1,
			DataLength: uint32(len(payload)),
			Magic:      ^uint32(cmd),
		},
		Payload: Block(payload),
	}
}

package bridge

import (
	"encoding/binary"
	"fmt"
)

// checksum is the sum of all payload bytes modulo 2^32.
func checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// checksumRequired reports whether the given negotiated protocol version
// still emits and verifies payload checksums.
func checksumRequired(version uint32) bool {
	return version < VersionSkipChecksum
}

// EncodePacket lays out the header followed by the payload. DataCheck is
// computed here according to the negotiated version; the stored value in the
// packet is updated so the caller sees what went on the wire.
func EncodePacket(p *Packet, version uint32) []byte {
	if checksumRequired(version) {
		p.DataCheck = checksum(p.Payload)
	} else {
		p.DataCheck = 0
	}
	p.Magic = ^uint32(p.Command)
	p.DataLength = uint32(len(p.Payload))

	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Command))
	binary.LittleEndian.PutUint32(buf[4:8], p.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], p.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], p.DataLength)
	binary.LittleEndian.PutUint32(buf[16:20], p.DataCheck)
	binary.LittleEndian.PutUint32(buf[20:24], p.Magic)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// DecodeHeader parses a 24-byte header. It fails with ErrBadMagic when the
// magic field is not the complement of the command, and with
// ErrPayloadTooLarge when the declared length exceeds maxPayload.
func DecodeHeader(b []byte, maxPayload uint32) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(b))
	}
	h := Header{
		Command:    Command(binary.LittleEndian.Uint32(b[0:4])),
		Arg0:       binary.LittleEndian.Uint32(b[4:8]),
		Arg1:       binary.LittleEndian.Uint32(b[8:12]),
		DataLength: binary.LittleEndian.Uint32(b[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(b[16:20]),
		Magic:      binary.LittleEndian.Uint32(b[20:24]),
	}
	if h.Magic != ^uint32(h.Command) {
		return Header{}, &ProtocolError{Cmd: h.Command, Err: ErrBadMagic}
	}
	if h.DataLength > maxPayload {
		return Header{}, &ProtocolError{Cmd: h.Command, Err: ErrPayloadTooLarge}
	}
	return h, nil
}

// DecodePayload pairs a previously decoded header with its payload bytes,
// verifying the checksum when the negotiated version requires it.
func DecodePayload(h Header, payload []byte, version uint32) (*Packet, error) {
	if uint32(len(payload)) != h.DataLength {
		return nil, fmt.Errorf("payload length %d does not match header %d", len(payload), h.DataLength)
	}
	if checksumRequired(version) {
		if sum := checksum(payload); sum != h.DataCheck {
			return nil, &ProtocolError{Cmd: h.Command, Err: ErrChecksumMismatch}
		}
	}
	return &Packet{Header: h, Payload: Block(payload)}, nil
}

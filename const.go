package bridge

import "time"

// Command tags as they appear on the wire: four ASCII bytes interpreted as a
// little-endian uint32. The set is closed; anything else is rejected at
// dispatch time.
const (
	// CmdSync is retained for wire compatibility but no longer carried by
	// any peer; dispatch rejects it.
	CmdSync Command = 0x434e5953 // "SYNC"
	CmdCnxn Command = 0x4e584e43 // "CNXN"
	CmdAuth Command = 0x48545541 // "AUTH"
	CmdOpen Command = 0x4e45504f // "OPEN"
	CmdOkay Command = 0x59414b4f // "OKAY"
	CmdClse Command = 0x45534c43 // "CLSE"
	CmdWrte Command = 0x45545257 // "WRTE"
	CmdStls Command = 0x534c5453 // "STLS"
)

const (
	// VersionMin is the oldest protocol version we interoperate with.
	VersionMin = 0x01000000
	// VersionSkipChecksum is the first version where payload checksums are
	// neither emitted nor verified.
	VersionSkipChecksum = 0x01000001
	// Version is the protocol version advertised in our CNXN.
	Version = 0x01000001
)

const (
	// HeaderLen is the fixed wire size of a packet header.
	HeaderLen = 24

	// MaxPayloadDefault is the largest payload we advertise by default.
	MaxPayloadDefault = 1024 * 1024
	// MaxPayloadLegacy is assumed for peers that advertise a zero maximum.
	MaxPayloadLegacy = 4 * 1024
)

// AUTH subcommands, carried in arg0.
const (
	AuthToken        = 1
	AuthSignature    = 2
	AuthRSAPublicKey = 3
)

// AuthTokenLen is the size of the random challenge sent with AUTH(TOKEN).
const AuthTokenLen = 20

const (
	// DefaultMaxBacklog bounds how many bytes a socket may buffer while it
	// holds no send credit. Exceeding it is fatal to that socket.
	DefaultMaxBacklog = 16 * 1024 * 1024

	// DefaultHandshakeTimeout bounds the CONNECTING and AUTHORIZING states.
	DefaultHandshakeTimeout = 10 * time.Second
)

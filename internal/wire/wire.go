// Package wire implements the on-the-wire framing described by the
// transport's protocol: the 2/4-byte datagram header, the per-command
// headers, and the packed field layout of each of the twelve command
// opcodes. All multi-byte fields are network byte order.
//
// The encode/decode helpers use fixed-size-per-opcode command headers
// rather than a bit-granular encapsulation header.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Opcodes, carried in the low nibble of the command byte.
const (
	OpAcknowledge             = 1
	OpConnect                 = 2
	OpVerifyConnect           = 3
	OpDisconnect              = 4
	OpPing                    = 5
	OpSendReliable            = 6
	OpSendUnreliable          = 7
	OpSendFragment            = 8
	OpSendUnsequenced         = 9
	OpBandwidthLimit          = 10
	OpThrottleConfigure       = 11
	OpSendUnreliableFragment  = 12
	opCommandCount            = 13
)

// Command byte flag bits and masks.
const (
	FlagAcknowledge = 1 << 7
	FlagUnsequenced = 1 << 6
	OpcodeMask      = 0x0F

	HeaderFlagSentTime   = 1 << 14
	HeaderSessionMask    = 3 << 12
	HeaderSessionShift   = 12
	HeaderPeerIDMask     = 0x0FFF
)

// Protocol-wide size limits.
const (
	MinimumMTU            = 576
	MaximumMTU            = 4096
	MaximumPacketCommands = 32
	MinimumWindowSize     = 4096
	MaximumWindowSize     = 65536
	MinimumChannelCount   = 1
	MaximumChannelCount   = 255
	MaximumPeerID         = 0xFFF
	MaximumFragmentCount  = 1024 * 1024
)

// commandSizes gives the fixed-size portion (command header + fields, not
// counting any trailing payload) of each opcode, used to validate that a
// datagram is not truncated before decoding its fields.
var commandSizes = [opCommandCount]int{
	0:                       0,
	OpAcknowledge:           CommandHeaderSize + 4,
	OpConnect:               CommandHeaderSize + 2 + 1 + 1 + 4*9 + 4,
	OpVerifyConnect:         CommandHeaderSize + 2 + 1 + 1 + 4*9,
	OpDisconnect:            CommandHeaderSize + 4,
	OpPing:                  CommandHeaderSize,
	OpSendReliable:          CommandHeaderSize + 2,
	OpSendUnreliable:        CommandHeaderSize + 2 + 2,
	OpSendFragment:          CommandHeaderSize + 2 + 2 + 4*4,
	OpSendUnsequenced:       CommandHeaderSize + 2 + 2,
	OpBandwidthLimit:        CommandHeaderSize + 4 + 4,
	OpThrottleConfigure:     CommandHeaderSize + 4 + 4 + 4,
	OpSendUnreliableFragment: CommandHeaderSize + 2 + 2 + 4*4,
}

// CommandSize returns the fixed-size portion of opcode, or 0 if unknown.
func CommandSize(opcode byte) int {
	if int(opcode) >= opCommandCount {
		return 0
	}
	return commandSizes[opcode]
}

var (
	// ErrTruncated means the datagram ended before a fixed field could be read.
	ErrTruncated = errors.New("wire: datagram truncated")
	// ErrUnknownOpcode means the command byte named an opcode outside 1..12.
	ErrUnknownOpcode = errors.New("wire: unknown opcode")
)

const (
	// DatagramHeaderSizeShort carries only the peer ID (no sent-time).
	DatagramHeaderSizeShort = 2
	// DatagramHeaderSizeLong carries peer ID and sent time.
	DatagramHeaderSizeLong = 4
	// CommandHeaderSize is {command, channelID, reliableSequenceNumber}.
	CommandHeaderSize = 4
)

// DatagramHeader is the 2- or 4-byte prefix of every outgoing datagram.
type DatagramHeader struct {
	PeerID    uint16 // low 12 bits only
	SessionID uint8  // bits 12-13 of the raw word
	SentTime  uint16
	HasTime   bool
}

// Encode appends the header to buf and returns the extended slice.
func (h DatagramHeader) Encode(buf []byte) []byte {
	peerID := h.PeerID & HeaderPeerIDMask
	peerID |= uint16(h.SessionID&3) << HeaderSessionShift
	if h.HasTime {
		peerID |= HeaderFlagSentTime
	}
	buf = append(buf, byte(peerID>>8), byte(peerID))
	if h.HasTime {
		buf = append(buf, byte(h.SentTime>>8), byte(h.SentTime))
	}
	return buf
}

// DecodeDatagramHeader reads the leading 2 bytes to determine peer id/flags,
// then consumes two more bytes for sent-time if HeaderFlagSentTime is set.
func DecodeDatagramHeader(buf []byte) (DatagramHeader, int, error) {
	if len(buf) < 2 {
		return DatagramHeader{}, 0, ErrTruncated
	}
	raw := binary.BigEndian.Uint16(buf[0:2])
	h := DatagramHeader{
		PeerID:    raw & HeaderPeerIDMask,
		SessionID: SessionIDFromRaw(raw),
		HasTime:   raw&HeaderFlagSentTime != 0,
	}
	if !h.HasTime {
		return h, 2, nil
	}
	if len(buf) < 4 {
		return DatagramHeader{}, 0, ErrTruncated
	}
	h.SentTime = binary.BigEndian.Uint16(buf[2:4])
	return h, 4, nil
}

// SessionIDFromRaw extracts the 2-bit rolling session id packed into the raw peer
// id word (bits 12-13), independent of the SENT_TIME flag bit (14).
func SessionIDFromRaw(raw uint16) uint8 {
	return uint8((raw & HeaderSessionMask) >> HeaderSessionShift)
}

// CommandHeader is the 4-byte prefix of every packed command.
type CommandHeader struct {
	Command                byte // opcode | flags
	ChannelID               byte
	ReliableSequenceNumber  uint16
}

func (h CommandHeader) Opcode() byte { return h.Command & OpcodeMask }
func (h CommandHeader) Acknowledge() bool { return h.Command&FlagAcknowledge != 0 }
func (h CommandHeader) Unsequenced() bool { return h.Command&FlagUnsequenced != 0 }

func (h CommandHeader) encode(buf []byte) []byte {
	return append(buf, h.Command, h.ChannelID, byte(h.ReliableSequenceNumber>>8), byte(h.ReliableSequenceNumber))
}

func decodeCommandHeader(buf []byte) (CommandHeader, error) {
	if len(buf) < CommandHeaderSize {
		return CommandHeader{}, ErrTruncated
	}
	return CommandHeader{
		Command:                buf[0],
		ChannelID:               buf[1],
		ReliableSequenceNumber:  binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// Command is the decoded form of any one of the twelve opcodes, flattened
// into a single struct the way ENetProtocol is a C union of packed structs.
// Only the fields relevant to Header.Opcode() are meaningful.
type Command struct {
	Header CommandHeader

	// ACKNOWLEDGE
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               uint16

	// CONNECT / VERIFY_CONNECT
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
	ConnectData                uint32 // CONNECT only

	// DISCONNECT
	DisconnectData uint32

	// SEND_RELIABLE / SEND_UNRELIABLE / SEND_UNSEQUENCED / SEND_FRAGMENT
	UnreliableSequenceNumber uint16
	UnsequencedGroup         uint16
	DataLength               uint16
	StartSequenceNumber      uint16
	FragmentCount            uint32
	FragmentNumber           uint32
	TotalLength              uint32
	FragmentOffset           uint32
}

// Encode appends the fixed-size wire form of c (command header plus opcode
// fields, NOT including any trailing payload) to buf.
func Encode(buf []byte, c Command) ([]byte, error) {
	buf = c.Header.encode(buf)
	var u32 [4]byte
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(u32[:], v)
		buf = append(buf, u32[:]...)
	}
	putU16 := func(v uint16) {
		buf = append(buf, byte(v>>8), byte(v))
	}

	switch c.Header.Opcode() {
	case OpAcknowledge:
		putU16(c.ReceivedReliableSequenceNumber)
		putU16(c.ReceivedSentTime)
	case OpConnect, OpVerifyConnect:
		putU16(c.OutgoingPeerID)
		buf = append(buf, c.IncomingSessionID, c.OutgoingSessionID)
		putU32(c.MTU)
		putU32(c.WindowSize)
		putU32(c.ChannelCount)
		putU32(c.IncomingBandwidth)
		putU32(c.OutgoingBandwidth)
		putU32(c.PacketThrottleInterval)
		putU32(c.PacketThrottleAcceleration)
		putU32(c.PacketThrottleDeceleration)
		putU32(c.ConnectID)
		if c.Header.Opcode() == OpConnect {
			putU32(c.ConnectData)
		}
	case OpDisconnect:
		putU32(c.DisconnectData)
	case OpPing:
		// no fields
	case OpSendReliable:
		putU16(c.DataLength)
	case OpSendUnreliable:
		putU16(c.UnreliableSequenceNumber)
		putU16(c.DataLength)
	case OpSendUnsequenced:
		putU16(c.UnsequencedGroup)
		putU16(c.DataLength)
	case OpSendFragment, OpSendUnreliableFragment:
		putU16(c.StartSequenceNumber)
		putU16(c.DataLength)
		putU32(c.FragmentCount)
		putU32(c.FragmentNumber)
		putU32(c.TotalLength)
		putU32(c.FragmentOffset)
	case OpBandwidthLimit:
		putU32(c.IncomingBandwidth)
		putU32(c.OutgoingBandwidth)
	case OpThrottleConfigure:
		putU32(c.PacketThrottleInterval)
		putU32(c.PacketThrottleAcceleration)
		putU32(c.PacketThrottleDeceleration)
	default:
		return nil, ErrUnknownOpcode
	}
	return buf, nil
}

// Decode reads one command (header plus fixed opcode fields, not any
// trailing payload) from the front of buf, returning the command and the
// number of bytes consumed.
func Decode(buf []byte) (Command, int, error) {
	header, err := decodeCommandHeader(buf)
	if err != nil {
		return Command{}, 0, err
	}
	opcode := header.Opcode()
	size := CommandSize(opcode)
	if size == 0 {
		return Command{}, 0, ErrUnknownOpcode
	}
	if len(buf) < size {
		return Command{}, 0, ErrTruncated
	}

	c := Command{Header: header}
	p := buf[CommandHeaderSize:size]
	u16 := func(off int) uint16 { return binary.BigEndian.Uint16(p[off : off+2]) }
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(p[off : off+4]) }

	switch opcode {
	case OpAcknowledge:
		c.ReceivedReliableSequenceNumber = u16(0)
		c.ReceivedSentTime = u16(2)
	case OpConnect, OpVerifyConnect:
		c.OutgoingPeerID = u16(0)
		c.IncomingSessionID = p[2]
		c.OutgoingSessionID = p[3]
		c.MTU = u32(4)
		c.WindowSize = u32(8)
		c.ChannelCount = u32(12)
		c.IncomingBandwidth = u32(16)
		c.OutgoingBandwidth = u32(20)
		c.PacketThrottleInterval = u32(24)
		c.PacketThrottleAcceleration = u32(28)
		c.PacketThrottleDeceleration = u32(32)
		c.ConnectID = u32(36)
		if opcode == OpConnect {
			c.ConnectData = u32(40)
		}
	case OpDisconnect:
		c.DisconnectData = u32(0)
	case OpPing:
	case OpSendReliable:
		c.DataLength = u16(0)
	case OpSendUnreliable:
		c.UnreliableSequenceNumber = u16(0)
		c.DataLength = u16(2)
	case OpSendUnsequenced:
		c.UnsequencedGroup = u16(0)
		c.DataLength = u16(2)
	case OpSendFragment, OpSendUnreliableFragment:
		c.StartSequenceNumber = u16(0)
		c.DataLength = u16(2)
		c.FragmentCount = u32(4)
		c.FragmentNumber = u32(8)
		c.TotalLength = u32(12)
		c.FragmentOffset = u32(16)
	case OpBandwidthLimit:
		c.IncomingBandwidth = u32(0)
		c.OutgoingBandwidth = u32(4)
	case OpThrottleConfigure:
		c.PacketThrottleInterval = u32(0)
		c.PacketThrottleAcceleration = u32(4)
		c.PacketThrottleDeceleration = u32(8)
	}
	return c, size, nil
}

// HasPayload reports whether opcode carries a variable-length payload
// following its fixed fields.
func HasPayload(opcode byte) bool {
	switch opcode {
	case OpSendReliable, OpSendUnreliable, OpSendUnsequenced, OpSendFragment, OpSendUnreliableFragment:
		return true
	default:
		return false
	}
}

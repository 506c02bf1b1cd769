package relnet

import (
	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
)

// outgoingCommand is a queued or in-flight command plus the fragment of a
// source packet it carries.
type outgoingCommand struct {
	node *dlist.Node[*outgoingCommand]

	command wire.Command
	packet  *Packet // nil for commands with no payload (ACK, PING, ...)

	fragmentOffset int
	fragmentLength int

	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16

	sendAttempts          int
	sentTime              uint32
	roundTripTimeout      uint32
	roundTripTimeoutLimit uint32
}

// incomingCommand holds a reassembly buffer and fragment accounting.
type incomingCommand struct {
	node *dlist.Node[*incomingCommand]

	command                  wire.Command
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16

	packet             *Packet
	fragmentCount      uint32
	fragmentsRemaining uint32
	fragments          []uint32 // bitmap, one bit per fragment number
}

func (c *incomingCommand) fragmentReceived(n uint32) bool {
	return c.fragments[n/32]&(1<<(n%32)) != 0
}

func (c *incomingCommand) markFragmentReceived(n uint32) {
	c.fragments[n/32] |= 1 << (n % 32)
}

// acknowledgement holds one pending ACK to emit. opcode is the acked
// command's own opcode, carried along so that emitting the ACK for a
// DISCONNECT can drive the peer into StateZombie.
type acknowledgement struct {
	node *dlist.Node[*acknowledgement]

	channelID              uint8
	reliableSequenceNumber uint16
	sentTime               uint16
	opcode                 byte
}

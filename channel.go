package relnet

import (
	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
)

// Channel carries one logical, independently ordered sequence space within
// a peer session.
type Channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16
	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	usedReliableWindows uint16
	reliableWindows     [reliableWindows]uint16

	incomingReliableCommands   *dlist.List[*incomingCommand]
	incomingUnreliableCommands *dlist.List[*incomingCommand]
}

func newChannel() *Channel {
	return &Channel{
		incomingReliableCommands:   dlist.New[*incomingCommand](),
		incomingUnreliableCommands: dlist.New[*incomingCommand](),
	}
}

func (c *Channel) reset() {
	*c = Channel{
		incomingReliableCommands:   dlist.New[*incomingCommand](),
		incomingUnreliableCommands: dlist.New[*incomingCommand](),
	}
}

// insertIncomingReliable inserts cmd into incomingReliableCommands at the
// position that keeps the list sorted by reliableSequenceNumber relative to
// incomingReliableSequenceNumber (newer-window-first after wrap).
func (c *Channel) insertIncomingReliable(cmd *incomingCommand) {
	base := c.incomingReliableSequenceNumber
	var mark *dlist.Node[*incomingCommand]
	for n := c.incomingReliableCommands.Front(); n != nil; n = c.incomingReliableCommands.Next(n) {
		existing := n.Value()
		if reliableSequenceGreater(existing.reliableSequenceNumber, cmd.reliableSequenceNumber, base) {
			mark = n
			break
		}
	}
	if mark == nil {
		cmd.node = c.incomingReliableCommands.PushBack(cmd)
	} else {
		cmd.node = c.incomingReliableCommands.InsertBefore(mark, cmd)
	}
}

// findReliableReassembly looks for an existing reliable entry with the
// given reliableSequenceNumber. It matches on the sequence number only;
// callers compare totalLength and fragmentCount themselves.
func (c *Channel) findReliableReassembly(reliableSequenceNumber uint16) *incomingCommand {
	for n := c.incomingReliableCommands.Front(); n != nil; n = c.incomingReliableCommands.Next(n) {
		if n.Value().reliableSequenceNumber == reliableSequenceNumber {
			return n.Value()
		}
	}
	return nil
}

// findUnreliableReassembly looks for an existing unreliable-fragment
// reassembly entry sharing startSequenceNumber. Whole SEND_UNRELIABLE
// entries live in the same list but are never fragment reassemblies, so the
// opcode check keeps the two from colliding when their sequence numbers
// happen to coincide.
func (c *Channel) findUnreliableReassembly(startSequenceNumber uint16) *incomingCommand {
	for n := c.incomingUnreliableCommands.Front(); n != nil; n = c.incomingUnreliableCommands.Next(n) {
		v := n.Value()
		if v.command.Header.Opcode() == wire.OpSendUnreliableFragment && v.unreliableSequenceNumber == startSequenceNumber {
			return v
		}
	}
	return nil
}

// insertIncomingUnreliable inserts cmd into incomingUnreliableCommands
// ordered first by reliableSequenceNumber (the reliable window it is gated
// on) and then by unreliableSequenceNumber within that window, so release
// can walk from the front in delivery order.
func (c *Channel) insertIncomingUnreliable(cmd *incomingCommand) {
	base := c.incomingReliableSequenceNumber
	var mark *dlist.Node[*incomingCommand]
	for n := c.incomingUnreliableCommands.Front(); n != nil; n = c.incomingUnreliableCommands.Next(n) {
		existing := n.Value()
		if reliableSequenceGreater(existing.reliableSequenceNumber, cmd.reliableSequenceNumber, base) {
			mark = n
			break
		}
		if existing.reliableSequenceNumber == cmd.reliableSequenceNumber &&
			reliableSequenceGreater(existing.unreliableSequenceNumber, cmd.unreliableSequenceNumber, existing.unreliableSequenceNumber) {
			mark = n
			break
		}
	}
	if mark == nil {
		cmd.node = c.incomingUnreliableCommands.PushBack(cmd)
	} else {
		cmd.node = c.incomingUnreliableCommands.InsertBefore(mark, cmd)
	}
}

// waitingDataBytes sums the byte size of all in-flight reassembly packets on
// this channel. The maximumWaitingData check does not call it; that check
// uses Peer.totalWaitingData.
func (c *Channel) waitingDataBytes() int {
	total := 0
	for n := c.incomingReliableCommands.Front(); n != nil; n = c.incomingReliableCommands.Next(n) {
		if v := n.Value(); v.packet != nil {
			total += len(v.packet.Data)
		}
	}
	for n := c.incomingUnreliableCommands.Front(); n != nil; n = c.incomingUnreliableCommands.Next(n) {
		if v := n.Value(); v.packet != nil {
			total += len(v.packet.Data)
		}
	}
	return total
}

package relnet

import (
	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
)

// fragmentHeaderSize is the per-datagram overhead a full-size fragment has
// to leave room for under the MTU: the datagram header with its sent time,
// the command header, and the 20 bytes of fragment fields wire.Encode writes
// for SendFragment/SendUnreliableFragment.
const fragmentHeaderSize = wire.DatagramHeaderSizeLong + wire.CommandHeaderSize + 20

// Send queues data for delivery on channelID according to flags, splitting
// into fragments when the payload would not fit one MTU-sized datagram.
func (p *Peer) Send(channelID uint8, data []byte, flags PacketFlag) error {
	if int(channelID) >= len(p.channels) {
		return ErrChannelOutOfRange
	}
	if len(data) > int(p.host.maximumPacketSize) {
		return ErrPacketTooLarge
	}
	packet := NewPacket(data, flags)
	return p.queuePacket(channelID, packet)
}

func (p *Peer) queuePacket(channelID uint8, packet *Packet) error {
	ch := p.channels[channelID]
	fragmentSize := int(p.mtu) - fragmentHeaderSize

	if packet.Flags&PacketFlagReliable == 0 && len(packet.Data) <= fragmentSize {
		err := p.queueOutgoingUnreliableWhole(channelID, ch, packet)
		packet.release() // the queued command holds its own reference
		return err
	}
	if packet.Flags&PacketFlagReliable == 0 && packet.Flags&PacketFlagUnreliableFragmented == 0 {
		return ErrPacketTooLarge
	}
	if len(packet.Data) <= fragmentSize {
		err := p.queueOutgoingReliableWhole(channelID, ch, packet)
		packet.release() // the queued command holds its own reference
		return err
	}
	return p.queueFragments(channelID, ch, packet)
}

func (p *Peer) queueOutgoingReliableWhole(channelID uint8, ch *Channel, packet *Packet) error {
	seq := ch.outgoingReliableSequenceNumber + 1
	ch.outgoingReliableSequenceNumber = seq
	cmd := wire.Command{
		Header: wire.CommandHeader{
			Command:                 wire.OpSendReliable | wire.FlagAcknowledge,
			ChannelID:               channelID,
			ReliableSequenceNumber:  seq,
		},
		DataLength: uint16(len(packet.Data)),
	}
	p.enqueue(&outgoingCommand{
		command:                cmd,
		packet:                 packet.acquire(),
		fragmentLength:         len(packet.Data),
		reliableSequenceNumber: seq,
	})
	return nil
}

func (p *Peer) queueOutgoingUnreliableWhole(channelID uint8, ch *Channel, packet *Packet) error {
	if packet.Flags&PacketFlagUnsequenced != 0 {
		cmd := wire.Command{
			Header: wire.CommandHeader{
				Command:   wire.OpSendUnsequenced | wire.FlagUnsequenced,
				ChannelID: channelID,
			},
			UnsequencedGroup: p.outgoingUnsequencedGroup + 1,
			DataLength:       uint16(len(packet.Data)),
		}
		p.outgoingUnsequencedGroup++
		p.enqueue(&outgoingCommand{command: cmd, packet: packet.acquire(), fragmentLength: len(packet.Data)})
		return nil
	}
	seq := ch.outgoingUnreliableSequenceNumber + 1
	ch.outgoingUnreliableSequenceNumber = seq
	cmd := wire.Command{
		Header: wire.CommandHeader{
			Command:                wire.OpSendUnreliable,
			ChannelID:              channelID,
			ReliableSequenceNumber: ch.outgoingReliableSequenceNumber,
		},
		UnreliableSequenceNumber: seq,
		DataLength:               uint16(len(packet.Data)),
	}
	p.enqueue(&outgoingCommand{
		command:                  cmd,
		packet:                   packet.acquire(),
		fragmentLength:           len(packet.Data),
		unreliableSequenceNumber: seq,
	})
	return nil
}

func (p *Peer) queueFragments(channelID uint8, ch *Channel, packet *Packet) error {
	fragmentSize := int(p.mtu) - fragmentHeaderSize
	fragmentCount := (len(packet.Data) + fragmentSize - 1) / fragmentSize
	if fragmentCount > wire.MaximumFragmentCount {
		return ErrPacketTooLarge
	}

	reliable := packet.Flags&PacketFlagReliable != 0
	opcode := byte(wire.OpSendFragment)
	if !reliable {
		opcode = wire.OpSendUnreliableFragment
	}

	var startSequenceNumber uint16
	if reliable {
		ch.outgoingReliableSequenceNumber++
		startSequenceNumber = ch.outgoingReliableSequenceNumber
	} else {
		ch.outgoingUnreliableSequenceNumber++
		startSequenceNumber = ch.outgoingUnreliableSequenceNumber
	}

	offset := 0
	for i := 0; i < fragmentCount; i++ {
		length := fragmentSize
		if offset+length > len(packet.Data) {
			length = len(packet.Data) - offset
		}

		var header wire.CommandHeader
		var seqForOutgoing uint16
		if reliable {
			ch.outgoingReliableSequenceNumber++
			seqForOutgoing = ch.outgoingReliableSequenceNumber
			header = wire.CommandHeader{
				Command:                opcode | wire.FlagAcknowledge,
				ChannelID:              channelID,
				ReliableSequenceNumber: seqForOutgoing,
			}
		} else {
			seqForOutgoing = startSequenceNumber
			header = wire.CommandHeader{
				Command:                opcode,
				ChannelID:              channelID,
				ReliableSequenceNumber: ch.outgoingReliableSequenceNumber,
			}
		}

		cmd := wire.Command{
			Header:               header,
			StartSequenceNumber:  startSequenceNumber,
			DataLength:           uint16(length),
			FragmentCount:        uint32(fragmentCount),
			FragmentNumber:       uint32(i),
			TotalLength:          uint32(len(packet.Data)),
			FragmentOffset:       uint32(offset),
		}

		p.enqueue(&outgoingCommand{
			command:                  cmd,
			packet:                   packet.acquire(),
			fragmentOffset:           offset,
			fragmentLength:           length,
			reliableSequenceNumber:   seqForOutgoing,
			unreliableSequenceNumber: startSequenceNumber,
		})

		offset += length
	}
	packet.release() // drop the caller's implicit reference; fragments hold their own
	return nil
}

func (p *Peer) enqueue(cmd *outgoingCommand) {
	cmd.node = p.outgoingCommands.PushBack(cmd)
	p.needsDispatch = true
}

// queueOutgoingReliable is used for control-channel commands (CONNECT,
// VERIFY_CONNECT, DISCONNECT, BANDWIDTH_LIMIT and PING) that must be
// acknowledged and retransmitted like any other reliable command but carry
// no user packet.
func (p *Peer) queueOutgoingReliable(cmd wire.Command, packet *Packet, fragmentOffset, fragmentLength int) {
	p.outgoingReliableSequenceNumber++
	cmd.Header.ReliableSequenceNumber = p.outgoingReliableSequenceNumber
	oc := &outgoingCommand{
		command:                cmd,
		packet:                 packet,
		fragmentOffset:         fragmentOffset,
		fragmentLength:         fragmentLength,
		reliableSequenceNumber: p.outgoingReliableSequenceNumber,
	}
	p.enqueue(oc)
}

// queuePing appends a reliable, acknowledged PING once nothing has been
// received from the peer for at least half of pingInterval, keeping the
// connection alive.
func (p *Peer) queuePing(now uint32) {
	if p.state != StateConnected && p.state != StateDisconnectLater {
		return
	}
	if timeDifference(now, p.lastReceiveTime) < p.pingInterval/2 {
		return
	}
	cmd := wire.Command{
		Header: wire.CommandHeader{
			Command:   wire.OpPing | wire.FlagAcknowledge,
			ChannelID: controlChannelID,
		},
	}
	p.queueOutgoingReliable(cmd, nil, 0, 0)
	p.lastSendTime = now
}

// queueAcknowledgement records that a received command must be acked on
// the next outgoing datagram.
func (p *Peer) queueAcknowledgement(channelID uint8, reliableSequenceNumber uint16, sentTime uint16, opcode byte) {
	ack := &acknowledgement{
		channelID:              channelID,
		reliableSequenceNumber: reliableSequenceNumber,
		sentTime:               sentTime,
		opcode:                 opcode,
	}
	ack.node = p.acknowledgements.PushBack(ack)
	p.needsDispatch = true
}

// checkTimeouts walks sentReliableCommands, retransmitting or declaring the
// peer dead past an exponential-backoff retransmission timeout ladder.
func (p *Peer) checkTimeouts(now uint32) (timedOut bool) {
	var next *dlist.Node[*outgoingCommand]
	for n := p.sentReliableCommands.Front(); n != nil; n = next {
		next = p.sentReliableCommands.Next(n)
		cmd := n.Value()

		if timeDifference(now, cmd.sentTime) < cmd.roundTripTimeout {
			continue
		}

		if p.earliestTimeout == 0 || timeLess(cmd.sentTime, p.earliestTimeout) {
			p.earliestTimeout = cmd.sentTime
		}

		if p.earliestTimeout != 0 &&
			(timeDifference(now, p.earliestTimeout) >= p.timeoutMaximum ||
				(cmd.roundTripTimeout >= cmd.roundTripTimeoutLimit && timeDifference(now, p.earliestTimeout) >= p.timeoutMinimum)) {
			return true
		}

		p.totalPacketsLost++

		cmd.roundTripTimeout *= 2
		cmd.sendAttempts++

		dlist.Remove[*outgoingCommand](n)
		p.reliableDataInTransit -= uint32(cmd.fragmentLength)
		cmd.node = p.outgoingCommands.PushFront(cmd)
		p.needsDispatch = true
	}
	return false
}

// removeSentReliableCommand drops a sent command once its ACK arrives and
// updates the channel's window accounting, then releases the packet
// reference. The RTT sample and throttle update for this ACK are computed
// by the caller from the ACK's own echoed sent-time, independent of
// whether a match is found here.
func (p *Peer) removeSentReliableCommand(reliableSequenceNumber uint16, channelID uint8) bool {
	var found *dlist.Node[*outgoingCommand]
	for n := p.sentReliableCommands.Front(); n != nil; n = p.sentReliableCommands.Next(n) {
		cmd := n.Value()
		if cmd.reliableSequenceNumber == reliableSequenceNumber && cmd.command.Header.ChannelID == channelID {
			found = n
			break
		}
	}
	if found == nil {
		return false
	}
	cmd := found.Value()
	dlist.Remove[*outgoingCommand](found)
	p.reliableDataInTransit -= uint32(cmd.fragmentLength)

	if int(channelID) < len(p.channels) && cmd.command.Header.Opcode() != wire.OpSendUnreliableFragment {
		ch := p.channels[channelID]
		window := cmd.reliableSequenceNumber / reliableWindowSize
		if ch.reliableWindows[window] > 0 {
			ch.reliableWindows[window]--
			if ch.reliableWindows[window] == 0 {
				ch.usedReliableWindows &^= 1 << window
			}
		}
	}

	releaseOutgoing(cmd)
	return true
}

// throttle runs on every ACK with that ACK's measured round trip time,
// comparing it against lastRoundTripTime/lastRoundTripTimeVariance (the
// baseline captured as of the previous packetThrottleInterval rollover).
// With no baseline yet it slams the throttle open to packetThrottleLimit;
// a faster-than-baseline RTT accelerates (capped at packetThrottleLimit), a
// much slower one decelerates (floored at zero), matching enet_peer_throttle.
func (p *Peer) throttle(rtt uint32) {
	switch {
	case p.lastRoundTripTime <= p.lastRoundTripTimeVariance:
		p.packetThrottle = p.packetThrottleLimit
	case rtt < p.lastRoundTripTime+(p.lastRoundTripTimeVariance+1)/2:
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
	case rtt > p.lastRoundTripTime+p.packetThrottleThreshold+2*p.lastRoundTripTimeVariance:
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
	}
}

// updateRoundTripTime applies Jacobson's RTT/variance recurrence to the
// rtt sample from one ACK, then rolls packetThrottleEpoch's baseline over
// once packetThrottleInterval has elapsed, exactly as
// enet_protocol_handle_acknowledge does around its call to
// enet_peer_throttle.
func (p *Peer) updateRoundTripTime(rtt, now uint32) {
	if p.hasRoundTripSample {
		if rtt >= p.roundTripTime {
			diff := rtt - p.roundTripTime
			p.roundTripTimeVariance -= p.roundTripTimeVariance / 4
			p.roundTripTimeVariance += diff / 4
			p.roundTripTime += diff / 8
		} else {
			diff := p.roundTripTime - rtt
			if diff <= p.roundTripTimeVariance {
				p.roundTripTimeVariance -= p.roundTripTimeVariance / 4
				p.roundTripTimeVariance += diff / 4
			} else {
				p.roundTripTimeVariance -= p.roundTripTimeVariance / 32
				p.roundTripTimeVariance += diff / 32
			}
			p.roundTripTime -= diff / 8
		}
	} else {
		p.roundTripTime = rtt
		p.roundTripTimeVariance = rtt / 2
		p.hasRoundTripSample = true
	}

	if p.roundTripTime < p.lowestRoundTripTime {
		p.lowestRoundTripTime = p.roundTripTime
	}
	if p.roundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
	}

	if p.packetThrottleEpoch == 0 || timeDifference(now, p.packetThrottleEpoch) >= p.packetThrottleInterval {
		p.lastRoundTripTime = p.lowestRoundTripTime
		p.lastRoundTripTimeVariance = p.highestRoundTripTimeVariance
		p.lowestRoundTripTime = p.roundTripTime
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
		p.packetThrottleEpoch = now
	}
}

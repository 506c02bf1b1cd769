package relnet

import (
	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
)

// dispatchIncoming routes one decoded command to its handler once the
// datagram-level and peer-level checks in the host's receive pipeline have
// passed. now is the host's sampled service
// time; datagramSentTime is the datagram's optional SENT_TIME field (used to echo
// acknowledgements).
func (p *Peer) dispatchIncoming(cmd wire.Command, payload []byte, now uint32, datagramSentTime uint16) (*Event, error) {
	p.lastReceiveTime = now
	p.earliestTimeout = 0

	opcode := cmd.Header.Opcode()

	if opcode != wire.OpAcknowledge && cmd.Header.Acknowledge() {
		p.queueAcknowledgement(cmd.Header.ChannelID, cmd.Header.ReliableSequenceNumber, datagramSentTime, opcode)
	}

	switch opcode {
	case wire.OpAcknowledge:
		return p.handleAcknowledge(cmd, now)
	case wire.OpVerifyConnect:
		return p.handleVerifyConnect(cmd, now)
	case wire.OpDisconnect:
		return p.handleDisconnect(cmd)
	case wire.OpPing:
		return nil, nil
	case wire.OpSendReliable:
		return p.handleSendReliable(cmd, payload)
	case wire.OpSendUnreliable:
		return p.handleSendUnreliable(cmd, payload)
	case wire.OpSendUnsequenced:
		return p.handleSendUnsequenced(cmd, payload)
	case wire.OpSendFragment:
		return p.handleSendFragment(cmd, payload, true)
	case wire.OpSendUnreliableFragment:
		return p.handleSendFragment(cmd, payload, false)
	case wire.OpBandwidthLimit:
		p.handleBandwidthLimit(cmd)
		return nil, nil
	case wire.OpThrottleConfigure:
		p.handleThrottleConfigure(cmd)
		return nil, nil
	default:
		return nil, nil
	}
}

// handleAcknowledge reconstructs the RTT sample with the 0x8000 sign-bit
// correction applied to the echoed sent-time, undoing the 16-bit
// truncation, then runs the throttle and RTT/variance update off that
// sample on every ACK whose echoed time is not ahead of now, regardless of
// whether it still matches a tracked sent command. Raises a CONNECT event when this ACK is what completes the
// accepting side's handshake (ACKNOWLEDGING_CONNECT -> CONNECTED).
func (p *Peer) handleAcknowledge(cmd wire.Command, now uint32) (*Event, error) {
	receivedSentTime := uint32(cmd.ReceivedSentTime)
	receivedSentTime |= now & 0xFFFF0000
	if receivedSentTime > now {
		receivedSentTime -= 0x10000
	}
	if timeLess(now, receivedSentTime) {
		return nil, nil
	}

	rtt := timeDifference(now, receivedSentTime)
	if rtt == 0 {
		rtt = 1
	}
	p.throttle(rtt)
	p.updateRoundTripTime(rtt, now)

	p.lastReceiveTime = now
	p.earliestTimeout = 0

	p.removeSentReliableCommand(cmd.ReceivedReliableSequenceNumber, cmd.Header.ChannelID)

	switch p.state {
	case StateAcknowledgingConnect:
		p.state = StateConnected
		return &Event{Type: EventConnect, Peer: p, Data: p.eventData}, nil
	case StateDisconnecting:
		if p.outgoingCommands.Empty() && p.sentReliableCommands.Empty() {
			p.forceReset()
			return &Event{Type: EventDisconnect, Peer: p}, nil
		}
	case StateDisconnectLater:
		if p.outgoingCommands.Empty() && p.sentReliableCommands.Empty() {
			p.disconnect(p.eventData)
		}
	case StateAcknowledgingDisconnect:
		p.forceReset()
	}
	return nil, nil
}

func (p *Peer) handleVerifyConnect(cmd wire.Command, now uint32) (*Event, error) {
	if p.state != StateConnecting {
		return nil, nil
	}
	channelCount := int(cmd.ChannelCount)
	if channelCount < wire.MinimumChannelCount || channelCount > wire.MaximumChannelCount ||
		cmd.PacketThrottleInterval != p.packetThrottleInterval ||
		cmd.PacketThrottleAcceleration != p.packetThrottleAcceleration ||
		cmd.PacketThrottleDeceleration != p.packetThrottleDeceleration ||
		cmd.ConnectID != p.connectID {
		p.forceReset()
		return &Event{Type: EventDisconnect, Peer: p}, nil
	}
	if channelCount < len(p.channels) {
		p.channels = p.channels[:channelCount]
	}

	p.outgoingPeerID = cmd.OutgoingPeerID
	p.incomingSessionID = cmd.IncomingSessionID
	p.outgoingSessionID = cmd.OutgoingSessionID

	mtu := cmd.MTU
	if mtu < wire.MinimumMTU {
		mtu = wire.MinimumMTU
	} else if mtu > wire.MaximumMTU {
		mtu = wire.MaximumMTU
	}
	if mtu < p.mtu {
		p.mtu = mtu
	}

	if cmd.WindowSize < p.windowSize {
		p.windowSize = cmd.WindowSize
	}
	p.incomingBandwidth = cmd.IncomingBandwidth
	p.outgoingBandwidth = cmd.OutgoingBandwidth
	p.packetThrottleInterval = cmd.PacketThrottleInterval
	p.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
	p.packetThrottleDeceleration = cmd.PacketThrottleDeceleration

	// The host always has room to dispatch this event immediately (unlike
	// the single-event-per-poll original this engine is modeled on), so the
	// CONNECTING -> CONNECTED transition happens in one step rather than
	// parking in CONNECTION_PENDING for a later poll.
	p.state = StateConnected
	p.totalBytesSent = 0
	p.totalBytesReceived = 0
	p.totalPacketsSent = 0
	p.totalPacketsLost = 0
	return &Event{Type: EventConnect, Peer: p, Data: p.eventData}, nil
}

func (p *Peer) handleDisconnect(cmd wire.Command) (*Event, error) {
	if p.state == StateDisconnected || p.state == StateZombie || p.state == StateAcknowledgingDisconnect {
		return nil, nil
	}
	// Keep the acknowledgement dispatchIncoming queued for this DISCONNECT;
	// only the command queues are dropped.
	acks := p.acknowledgements
	p.resetQueuesKeepState()
	p.acknowledgements = acks

	switch p.state {
	case StateConnectionSucceeded, StateDisconnecting:
		p.forceReset()
	case StateConnectionPending:
		p.forceReset()
	default:
		if cmd.Header.Acknowledge() {
			p.state = StateAcknowledgingDisconnect
		} else {
			p.forceReset()
		}
	}

	if p.state == StateDisconnected {
		return &Event{Type: EventDisconnect, Peer: p, Data: cmd.DisconnectData}, nil
	}
	// Stash the remote's disconnect payload for whichever path eventually
	// raises the event: ACKNOWLEDGING_DISCONNECT carries it forward until
	// the ACK we just queued goes out and zombies the peer.
	p.eventData = cmd.DisconnectData
	return nil, nil
}

func (p *Peer) handleBandwidthLimit(cmd wire.Command) {
	p.incomingBandwidth = cmd.IncomingBandwidth
	p.outgoingBandwidth = cmd.OutgoingBandwidth
}

func (p *Peer) handleThrottleConfigure(cmd wire.Command) {
	p.packetThrottleInterval = cmd.PacketThrottleInterval
	p.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
	p.packetThrottleDeceleration = cmd.PacketThrottleDeceleration
}

func (p *Peer) handleSendReliable(cmd wire.Command, payload []byte) (*Event, error) {
	if int(cmd.Header.ChannelID) >= len(p.channels) {
		return nil, ErrChannelOutOfRange
	}
	ch := p.channels[cmd.Header.ChannelID]
	if !inFreeReliableWindow(cmd.Header.ReliableSequenceNumber, ch.incomingReliableSequenceNumber) {
		return nil, nil
	}
	if ch.findReliableReassembly(cmd.Header.ReliableSequenceNumber) != nil {
		return nil, nil
	}
	if p.totalWaitingData+len(payload) > p.host.maximumWaitingData {
		return nil, ErrWaitingDataExceeded
	}

	packet := NewPacket(payload, PacketFlagReliable)
	ic := &incomingCommand{
		command:                cmd,
		reliableSequenceNumber: cmd.Header.ReliableSequenceNumber,
		packet:                 packet,
	}
	ch.insertIncomingReliable(ic)
	p.totalWaitingData += len(payload)
	return p.dispatchReadyReliable(cmd.Header.ChannelID, ch)
}

// dispatchReadyReliable moves every contiguous, fully-reassembled command
// at the front of the channel's reliable queue onto p.dispatchedCommands,
// advancing incomingReliableSequenceNumber across the whole run. The host drains dispatchedCommands into Receive
// events after each datagram it handles; this lets one incoming datagram that
// completes several queued reassemblies surface all of them.
func (p *Peer) dispatchReadyReliable(channelID uint8, ch *Channel) (*Event, error) {
	var next *dlist.Node[*incomingCommand]
	advanced := false
	for n := ch.incomingReliableCommands.Front(); n != nil; n = next {
		next = ch.incomingReliableCommands.Next(n)
		ic := n.Value()
		expected := ch.incomingReliableSequenceNumber + 1
		if ic.reliableSequenceNumber != expected || ic.fragmentsRemaining > 0 {
			break
		}
		dlist.Remove[*incomingCommand](n)
		ch.incomingReliableSequenceNumber = expected
		p.totalWaitingData -= len(ic.packet.Data)
		ic.node = p.dispatchedCommands.PushBack(ic)
		p.needsDispatch = true
		advanced = true
	}
	if advanced {
		// A newly reached reliable window retires whatever unreliable
		// sequence number was scoped to the previous one, and may free
		// unreliable commands that were held waiting on this window.
		ch.incomingUnreliableSequenceNumber = 0
		p.dispatchReadyUnreliable(channelID, ch)
	}
	return nil, nil
}

// dispatchReadyUnreliable releases every entry at the front of
// ch.incomingUnreliableCommands whose reliable window has been reached and
// whose fragments (if any) have all arrived, in ascending unreliable
// sequence order. Entries still scoped to a window the channel hasn't
// reached yet are left queued; entries scoped to a window already passed
// arrived too late and are dropped.
func (p *Peer) dispatchReadyUnreliable(channelID uint8, ch *Channel) {
	var next *dlist.Node[*incomingCommand]
	for n := ch.incomingUnreliableCommands.Front(); n != nil; n = next {
		next = ch.incomingUnreliableCommands.Next(n)
		ic := n.Value()

		if ic.reliableSequenceNumber != ch.incomingReliableSequenceNumber {
			if reliableSequenceGreater(ch.incomingReliableSequenceNumber, ic.reliableSequenceNumber, ch.incomingReliableSequenceNumber) {
				dlist.Remove[*incomingCommand](n)
				p.totalWaitingData -= len(ic.packet.Data)
				ic.packet.release()
				continue
			}
			break
		}
		if ic.fragmentsRemaining > 0 {
			break
		}

		dlist.Remove[*incomingCommand](n)
		ch.incomingUnreliableSequenceNumber = ic.unreliableSequenceNumber
		p.totalWaitingData -= len(ic.packet.Data)
		ic.node = p.dispatchedCommands.PushBack(ic)
		p.needsDispatch = true
	}
}

// handleSendUnreliable queues an unreliable command behind the reliable
// window it was tagged with at send time, releasing it only once
// incomingReliableSequenceNumber catches up — delivering it immediately
// would let it jump ahead of reliable data the sender queued first.
func (p *Peer) handleSendUnreliable(cmd wire.Command, payload []byte) (*Event, error) {
	if int(cmd.Header.ChannelID) >= len(p.channels) {
		return nil, ErrChannelOutOfRange
	}
	ch := p.channels[cmd.Header.ChannelID]
	reliableSeq := cmd.Header.ReliableSequenceNumber

	if !inFreeReliableWindow(reliableSeq, ch.incomingReliableSequenceNumber) {
		return nil, nil
	}
	if reliableSeq == ch.incomingReliableSequenceNumber &&
		!reliableSequenceGreater(cmd.UnreliableSequenceNumber, ch.incomingUnreliableSequenceNumber, ch.incomingUnreliableSequenceNumber) {
		return nil, nil
	}
	if p.totalWaitingData+len(payload) > p.host.maximumWaitingData {
		return nil, ErrWaitingDataExceeded
	}

	packet := NewPacket(payload, 0)
	ic := &incomingCommand{
		command:                  cmd,
		reliableSequenceNumber:   reliableSeq,
		unreliableSequenceNumber: cmd.UnreliableSequenceNumber,
		packet:                   packet,
	}
	ch.insertIncomingUnreliable(ic)
	p.totalWaitingData += len(payload)
	p.dispatchReadyUnreliable(cmd.Header.ChannelID, ch)
	return nil, nil
}

func (p *Peer) handleSendUnsequenced(cmd wire.Command, payload []byte) (*Event, error) {
	group := uint32(cmd.UnsequencedGroup)
	index := group % unsequencedWindowSize

	if group >= uint32(p.incomingUnsequencedGroup)+unsequencedWindows*unsequencedWindowSize {
		return nil, nil
	}
	if group < uint32(p.incomingUnsequencedGroup) {
		// too old, but within the 32-bit window math keep it simple: drop.
		return nil, nil
	}
	if p.unsequencedWindow[index/32]&(1<<(index%32)) != 0 {
		return nil, nil
	}
	p.unsequencedWindow[index/32] |= 1 << (index % 32)

	packet := NewPacket(payload, PacketFlagUnsequenced)
	return &Event{Type: EventReceive, Peer: p, ChannelID: cmd.Header.ChannelID, Packet: packet}, nil
}

func (p *Peer) handleSendFragment(cmd wire.Command, payload []byte, reliable bool) (*Event, error) {
	if int(cmd.Header.ChannelID) >= len(p.channels) {
		return nil, ErrChannelOutOfRange
	}
	ch := p.channels[cmd.Header.ChannelID]

	if reliable {
		return p.handleReliableFragment(cmd, payload, ch)
	}
	return p.handleUnreliableFragment(cmd, payload, ch)
}

func (p *Peer) handleReliableFragment(cmd wire.Command, payload []byte, ch *Channel) (*Event, error) {
	if !inFreeReliableWindow(cmd.Header.ReliableSequenceNumber, ch.incomingReliableSequenceNumber) {
		return nil, nil
	}

	ic := ch.findReliableReassembly(cmd.StartSequenceNumber)
	if ic == nil {
		if p.totalWaitingData+int(cmd.TotalLength) > p.host.maximumWaitingData {
			return nil, ErrWaitingDataExceeded
		}
		packet := NewPacket(make([]byte, cmd.TotalLength), PacketFlagReliable)
		ic = &incomingCommand{
			command:                cmd,
			reliableSequenceNumber: cmd.StartSequenceNumber,
			packet:                 packet,
			fragmentCount:          cmd.FragmentCount,
			fragmentsRemaining:     cmd.FragmentCount,
			fragments:              make([]uint32, (cmd.FragmentCount+31)/32),
		}
		ch.insertIncomingReliable(ic)
		p.totalWaitingData += int(cmd.TotalLength)
	}

	if cmd.FragmentCount != ic.fragmentCount || cmd.TotalLength != uint32(len(ic.packet.Data)) {
		return nil, ErrFragmentMismatch
	}
	if ic.fragmentReceived(cmd.FragmentNumber) {
		return nil, nil
	}
	ic.markFragmentReceived(cmd.FragmentNumber)
	ic.fragmentsRemaining--
	copy(ic.packet.Data[cmd.FragmentOffset:], payload)

	return p.dispatchReadyReliable(cmd.Header.ChannelID, ch)
}

func (p *Peer) handleUnreliableFragment(cmd wire.Command, payload []byte, ch *Channel) (*Event, error) {
	reliableSeq := cmd.Header.ReliableSequenceNumber
	if !inFreeReliableWindow(reliableSeq, ch.incomingReliableSequenceNumber) {
		return nil, nil
	}
	if reliableSeq == ch.incomingReliableSequenceNumber &&
		!reliableSequenceGreater(cmd.StartSequenceNumber, ch.incomingUnreliableSequenceNumber, ch.incomingUnreliableSequenceNumber) {
		return nil, nil
	}

	ic := ch.findUnreliableReassembly(cmd.StartSequenceNumber)
	if ic == nil {
		if p.totalWaitingData+int(cmd.TotalLength) > p.host.maximumWaitingData {
			return nil, ErrWaitingDataExceeded
		}
		packet := NewPacket(make([]byte, cmd.TotalLength), 0)
		ic = &incomingCommand{
			command:                  cmd,
			reliableSequenceNumber:   reliableSeq,
			unreliableSequenceNumber: cmd.StartSequenceNumber,
			packet:                   packet,
			fragmentCount:            cmd.FragmentCount,
			fragmentsRemaining:       cmd.FragmentCount,
			fragments:                make([]uint32, (cmd.FragmentCount+31)/32),
		}
		ch.insertIncomingUnreliable(ic)
		p.totalWaitingData += int(cmd.TotalLength)
	}

	if ic.fragmentReceived(cmd.FragmentNumber) {
		return nil, nil
	}
	ic.markFragmentReceived(cmd.FragmentNumber)
	ic.fragmentsRemaining--
	copy(ic.packet.Data[cmd.FragmentOffset:], payload)

	p.dispatchReadyUnreliable(cmd.Header.ChannelID, ch)
	return nil, nil
}

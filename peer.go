package relnet

import (
	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
)

// PeerState is the connection lifecycle state of a Peer.
type PeerState int

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging-connect"
	case StateConnectionPending:
		return "connection-pending"
	case StateConnectionSucceeded:
		return "connection-succeeded"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect-later"
	case StateDisconnecting:
		return "disconnecting"
	case StateAcknowledgingDisconnect:
		return "acknowledging-disconnect"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

const controlChannelID = 0xFF

// Default peer tunables.
const (
	defaultRoundTripTime      = 1
	defaultPacketThrottle     = 32
	packetThrottleScale       = 32
	packetThrottleCounterStep = 7
	packetThrottleThreshold   = 40
	packetThrottleAcceleration = 2
	packetThrottleDeceleration = 2
	packetThrottleInterval    = 5000
	windowSizeScale           = 64 * 1024
	timeoutLimit              = 32
	timeoutMinimum            = 5000
	timeoutMaximum            = 30000
	pingIntervalDefault       = 500
)

// Peer is one side of a session from the host's perspective.
type Peer struct {
	host *Host

	incomingPeerID uint16 // this peer's slot index
	outgoingPeerID uint16 // assigned by the remote

	incomingSessionID uint8
	outgoingSessionID uint8

	address   Address
	connectID uint32

	state PeerState

	channels []*Channel

	incomingBandwidth uint32
	outgoingBandwidth uint32

	roundTripTime              uint32
	roundTripTimeVariance      uint32
	lowestRoundTripTime        uint32
	highestRoundTripTimeVariance uint32
	lastRoundTripTime          uint32
	lastRoundTripTimeVariance  uint32
	hasRoundTripSample         bool

	outgoingDataTotal              uint32
	incomingDataTotal              uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingBandwidthThrottleEpoch uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32
	packetThrottleThreshold    uint32
	packetThrottleEpoch        uint32

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32
	pingInterval    uint32
	timeoutMinimum  uint32
	timeoutMaximum  uint32
	timeoutLimit    uint32

	mtu                   uint32
	windowSize            uint32
	reliableDataInTransit uint32

	outgoingReliableSequenceNumber uint16 // control channel 0xFF counter
	incomingUnsequencedGroup       uint16
	outgoingUnsequencedGroup       uint16
	unsequencedWindow              [unsequencedWindowSize / 32]uint32

	acknowledgements     *dlist.List[*acknowledgement]
	sentReliableCommands *dlist.List[*outgoingCommand]
	sentUnreliableCommands *dlist.List[*outgoingCommand]
	outgoingCommands     *dlist.List[*outgoingCommand]
	dispatchedCommands   *dlist.List[*incomingCommand]

	needsDispatch bool

	totalBytesSent     uint64
	totalBytesReceived uint64
	totalPacketsSent   uint64
	totalPacketsLost   uint64
	totalWaitingData   int

	eventData uint32 // CONNECT/DISCONNECT event payload
	UserData  interface{}
}

func newPeer(host *Host, incomingPeerID uint16) *Peer {
	p := &Peer{
		host:           host,
		incomingPeerID: incomingPeerID,
	}
	p.initQueues()
	p.resetToDisconnected()
	return p
}

func (p *Peer) initQueues() {
	p.acknowledgements = dlist.New[*acknowledgement]()
	p.sentReliableCommands = dlist.New[*outgoingCommand]()
	p.sentUnreliableCommands = dlist.New[*outgoingCommand]()
	p.outgoingCommands = dlist.New[*outgoingCommand]()
	p.dispatchedCommands = dlist.New[*incomingCommand]()
}

// resetToDisconnected clears all per-session state and returns the slot to
// StateDisconnected, releasing every packet reference the peer was holding.
func (p *Peer) resetToDisconnected() {
	for n := p.outgoingCommands.Front(); n != nil; n = p.outgoingCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	for n := p.sentReliableCommands.Front(); n != nil; n = p.sentReliableCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	for n := p.sentUnreliableCommands.Front(); n != nil; n = p.sentUnreliableCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	for n := p.dispatchedCommands.Front(); n != nil; n = p.dispatchedCommands.Next(n) {
		if v := n.Value(); v.packet != nil {
			v.packet.release()
		}
	}
	for _, ch := range p.channels {
		for n := ch.incomingReliableCommands.Front(); n != nil; n = ch.incomingReliableCommands.Next(n) {
			if v := n.Value(); v.packet != nil {
				v.packet.release()
			}
		}
		for n := ch.incomingUnreliableCommands.Front(); n != nil; n = ch.incomingUnreliableCommands.Next(n) {
			if v := n.Value(); v.packet != nil {
				v.packet.release()
			}
		}
	}

	p.initQueues()
	p.channels = nil

	p.outgoingPeerID = wire.MaximumPeerID
	p.connectID = 0
	p.address = Address{}
	p.state = StateDisconnected

	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingSessionID = 0xFF
	p.outgoingSessionID = 0xFF

	p.roundTripTime = defaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.lowestRoundTripTime = defaultRoundTripTime
	p.highestRoundTripTimeVariance = 0
	p.lastRoundTripTime = defaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.hasRoundTripSample = false

	p.outgoingDataTotal = 0
	p.incomingDataTotal = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingBandwidthThrottleEpoch = 0

	p.packetThrottle = defaultPacketThrottle
	p.packetThrottleLimit = packetThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleAcceleration = packetThrottleAcceleration
	p.packetThrottleDeceleration = packetThrottleDeceleration
	p.packetThrottleInterval = packetThrottleInterval
	p.packetThrottleThreshold = packetThrottleThreshold
	p.packetThrottleEpoch = 0

	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.pingInterval = pingIntervalDefault
	p.timeoutMinimum = timeoutMinimum
	p.timeoutMaximum = timeoutMaximum
	p.timeoutLimit = timeoutLimit

	p.mtu = DefaultMTU
	p.windowSize = wire.MaximumWindowSize
	p.reliableDataInTransit = 0

	p.outgoingReliableSequenceNumber = 0
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.unsequencedWindow = [unsequencedWindowSize / 32]uint32{}

	p.needsDispatch = false
	p.totalBytesSent = 0
	p.totalBytesReceived = 0
	p.totalPacketsSent = 0
	p.totalPacketsLost = 0
	p.totalWaitingData = 0
	p.eventData = 0
}

func releaseOutgoing(c *outgoingCommand) {
	if c.packet != nil {
		c.packet.release()
	}
}

// allocateChannels allocates channelCount fresh Channel states, called on
// transition out of StateDisconnected.
func (p *Peer) allocateChannels(channelCount int) {
	p.channels = make([]*Channel, channelCount)
	for i := range p.channels {
		p.channels[i] = newChannel()
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState { return p.state }

// Address returns the peer's remote address.
func (p *Peer) Address() Address { return p.address }

// RoundTripTime returns the current smoothed RTT estimate in milliseconds.
func (p *Peer) RoundTripTime() uint32 { return p.roundTripTime }

// PacketsLost returns the cumulative count of reliable commands that timed
// out and had to be retransmitted.
func (p *Peer) PacketsLost() uint64 { return p.totalPacketsLost }

// PacketsSent returns the cumulative count of commands the send pipeline
// has handed to the socket.
func (p *Peer) PacketsSent() uint64 { return p.totalPacketsSent }

// ChannelCount returns the number of channels negotiated for this session.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// windowBudget is max(windowSize·packetThrottle/SCALE, mtu) — the gate on
// new reliable transmissions.
func (p *Peer) windowBudget() uint32 {
	budget := p.windowSize * p.packetThrottle / packetThrottleScale
	if budget < p.mtu {
		return p.mtu
	}
	return budget
}

// disconnect drops the outgoing and sent queues, queues a reliable
// DISCONNECT and moves to StateDisconnecting. It does not wait for the
// queues to drain; disconnectLater does.
func (p *Peer) disconnect(data uint32) {
	if p.state == StateDisconnecting || p.state == StateZombie || p.state == StateDisconnected ||
		p.state == StateAcknowledgingDisconnect {
		return
	}

	if p.state == StateConnecting || p.state == StateConnectionPending {
		p.forceReset()
		return
	}

	p.resetQueuesKeepState()
	p.eventData = data
	cmd := wire.Command{
		Header: wire.CommandHeader{
			Command:   wire.OpDisconnect | wire.FlagAcknowledge,
			ChannelID: controlChannelID,
		},
		DisconnectData: data,
	}
	p.queueOutgoingReliable(cmd, nil, 0, 0)
	p.state = StateDisconnecting
}

// disconnectLater behaves like disconnect but, if the outgoing queues are
// non-empty, waits for them to drain before sending DISCONNECT at all.
func (p *Peer) disconnectLater(data uint32) {
	if (p.state == StateConnected || p.state == StateDisconnectLater) &&
		!(p.outgoingCommands.Empty() && p.sentReliableCommands.Empty()) {
		p.state = StateDisconnectLater
		p.eventData = data
		return
	}
	p.disconnect(data)
}

// resetQueuesKeepState drops all queued commands (and their packet
// references) without touching p.state, used before DISCONNECT handling.
func (p *Peer) resetQueuesKeepState() {
	for n := p.outgoingCommands.Front(); n != nil; n = p.outgoingCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	for n := p.sentReliableCommands.Front(); n != nil; n = p.sentReliableCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	for n := p.sentUnreliableCommands.Front(); n != nil; n = p.sentUnreliableCommands.Next(n) {
		releaseOutgoing(n.Value())
	}
	p.acknowledgements = dlist.New[*acknowledgement]()
	p.sentReliableCommands = dlist.New[*outgoingCommand]()
	p.sentUnreliableCommands = dlist.New[*outgoingCommand]()
	p.outgoingCommands = dlist.New[*outgoingCommand]()
	p.reliableDataInTransit = 0
}

// forceReset immediately returns the peer to StateDisconnected, for fatal
// errors, unacknowledged remote DISCONNECT, and timeouts.
func (p *Peer) forceReset() {
	p.resetToDisconnected()
}

// zombie transitions to StateZombie. Nothing in this package calls it, and
// the host's timeout and send passes skip StateZombie peers without
// resetting them.
func (p *Peer) zombie() {
	p.state = StateZombie
}

package relnet

import (
	"time"

	"github.com/pkg/errors"

	"relnet-go/internal/dlist"
	"relnet-go/internal/wire"
	"relnet-go/pkg/logger"
)

// Host-wide defaults.
const (
	DefaultMTU              = 1400
	DefaultMaximumPacketSize = 32 * 1024 * 1024
	DefaultMaximumWaitingData = 32 * 1024 * 1024
	hostBandwidthThrottleInterval = 1000
	maxScratchDatagram             = wire.MaximumMTU
	sessionIDMask                  = 3
)

// HostConfig is the set of tunables and external collaborators a Host is
// built from.
type HostConfig struct {
	Address        Address // local bind address, informational only
	PeerCount      int
	ChannelLimit   uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	DuplicatePeers int // max peers tolerated from one address before rejecting new ones; 0 means unlimited

	Socket    Socket
	Clock     Clock
	Allocator Allocator
	Checksum  ChecksumFunc
	Intercept InterceptFunc
	Rand      Rand
}

// Host owns a peer pool, a Socket, and the send/receive/dispatch pipelines
// that drive every Peer's state machine.
type Host struct {
	config HostConfig
	socket Socket
	clock  Clock
	alloc  Allocator
	rng    Rand

	checksum  ChecksumFunc
	intercept InterceptFunc

	peers []*Peer

	channelLimit      uint32
	incomingBandwidth uint32
	outgoingBandwidth uint32
	duplicatePeers    int

	maximumPacketSize  int
	maximumWaitingData int

	bandwidthThrottleEpoch     uint32
	recalculateBandwidthLimits bool
	serviceTime                uint32

	totalSentData     uint64
	totalReceivedData uint64
	totalSentPackets  uint64

	nextConnectID uint32

	readyEvents []Event

	recvBuf     [maxScratchDatagram]byte
	destroyed   bool
}

// NewHost allocates a peer pool of cfg.PeerCount slots and binds no socket
// of its own — cfg.Socket is required.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Socket == nil {
		return nil, errNilSocket
	}
	if cfg.PeerCount <= 0 {
		return nil, errNoPeerSlots
	}
	if cfg.ChannelLimit == 0 || cfg.ChannelLimit > wire.MaximumChannelCount {
		cfg.ChannelLimit = wire.MaximumChannelCount
	}
	if cfg.Clock == nil {
		cfg.Clock = newSystemClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = newSystemRand(uint64(cfg.Clock.NowMillis())<<32 | uint64(cfg.PeerCount))
	}
	h := &Host{
		config:             cfg,
		socket:             cfg.Socket,
		clock:              cfg.Clock,
		alloc:              cfg.Allocator,
		rng:                cfg.Rand,
		checksum:           cfg.Checksum,
		intercept:          cfg.Intercept,
		channelLimit:       cfg.ChannelLimit,
		incomingBandwidth:  cfg.IncomingBandwidth,
		outgoingBandwidth:  cfg.OutgoingBandwidth,
		duplicatePeers:     cfg.DuplicatePeers,
		maximumPacketSize:  DefaultMaximumPacketSize,
		maximumWaitingData: DefaultMaximumWaitingData,
	}
	h.peers = make([]*Peer, cfg.PeerCount)
	for i := range h.peers {
		h.peers[i] = newPeer(h, uint16(i))
	}
	h.nextConnectID = cfg.Rand.Uint32()
	if h.nextConnectID == 0 {
		h.nextConnectID = 1
	}
	return h, nil
}

var (
	errNilSocket   = newSentinelError("relnet: host requires a Socket")
	errNoPeerSlots = newSentinelError("relnet: host requires at least one peer slot")
)

// freePeer returns an available StateDisconnected slot, or nil.
func (h *Host) freePeer() *Peer {
	for _, p := range h.peers {
		if p.state == StateDisconnected {
			return p
		}
	}
	return nil
}

func (h *Host) countFromAddress(addr Address) int {
	n := 0
	for _, p := range h.peers {
		if p.state != StateDisconnected && p.address.Equal(addr) {
			n++
		}
	}
	return n
}

// Connect begins a handshake to addr over channelCount channels, queuing
// the CONNECT command; completion is reported later as an EventConnect
// from Service.
func (h *Host) Connect(addr Address, channelCount int, data uint32) (*Peer, error) {
	if channelCount < wire.MinimumChannelCount {
		channelCount = wire.MinimumChannelCount
	}
	if uint32(channelCount) > h.channelLimit {
		channelCount = int(h.channelLimit)
	}

	p := h.freePeer()
	if p == nil {
		return nil, ErrPeerPoolExhausted
	}
	if h.duplicatePeers > 0 && h.countFromAddress(addr) >= h.duplicatePeers {
		return nil, ErrDuplicatePeer
	}

	p.address = addr
	p.allocateChannels(channelCount)
	p.connectID = h.nextConnectID
	h.nextConnectID++
	if h.nextConnectID == 0 {
		h.nextConnectID = 1
	}
	p.mtu = DefaultMTU
	p.eventData = data
	p.state = StateConnecting

	cmd := wire.Command{
		Header: wire.CommandHeader{
			Command:   wire.OpConnect | wire.FlagAcknowledge,
			ChannelID: controlChannelID,
		},
		OutgoingPeerID:             p.incomingPeerID,
		IncomingSessionID:          p.incomingSessionID,
		OutgoingSessionID:          p.outgoingSessionID,
		MTU:                        p.mtu,
		WindowSize:                 p.windowSize,
		ChannelCount:               uint32(channelCount),
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     p.packetThrottleInterval,
		PacketThrottleAcceleration: p.packetThrottleAcceleration,
		PacketThrottleDeceleration: p.packetThrottleDeceleration,
		ConnectID:                  p.connectID,
		ConnectData:                data,
	}
	p.queueOutgoingReliable(cmd, nil, 0, 0)
	return p, nil
}

// Broadcast queues data for delivery to every StateConnected peer.
func (h *Host) Broadcast(channelID uint8, data []byte, flags PacketFlag) {
	for _, p := range h.peers {
		if p.state == StateConnected {
			_ = p.Send(channelID, data, flags)
		}
	}
}

// Shutdown releases the underlying Socket. No further Service calls are
// valid afterwards.
func (h *Host) Shutdown() error {
	h.destroyed = true
	return h.socket.Shutdown()
}

// Service drains one unit of work: it polls the socket for up to timeout,
// processes any datagram ready, runs the per-peer send pipeline, and
// returns the next ready Event (EventNone if nothing happened). Callers
// typically loop calling Service(0) until EventNone, then Service(idle) to
// block.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if h.destroyed {
		return Event{}, ErrHostStopped
	}

	if ev, ok := h.popReadyEvent(); ok {
		return ev, nil
	}

	h.serviceTime = h.clock.NowMillis()

	if err := h.receiveDatagrams(); err != nil {
		return Event{}, errors.Wrap(err, "relnet: receive datagrams")
	}
	if ev, ok := h.popReadyEvent(); ok {
		return ev, nil
	}

	h.checkAllTimeouts()
	h.throttleBandwidth()
	h.sendAllPeers()

	if ev, ok := h.popReadyEvent(); ok {
		return ev, nil
	}

	if timeout > 0 {
		if err := h.socket.Wait(timeout); err != nil {
			return Event{}, errors.Wrap(err, "relnet: wait for socket readiness")
		}
		return h.Service(0)
	}

	return Event{Type: EventNone}, nil
}

func (h *Host) popReadyEvent() (Event, bool) {
	if len(h.readyEvents) == 0 {
		return Event{}, false
	}
	ev := h.readyEvents[0]
	h.readyEvents = h.readyEvents[1:]
	return ev, true
}

func (h *Host) pushEvent(ev *Event) {
	if ev == nil {
		return
	}
	h.readyEvents = append(h.readyEvents, *ev)
}

// receiveDatagrams drains every datagram currently available from the
// socket without blocking.
func (h *Host) receiveDatagrams() error {
	for {
		n, from, err := h.socket.Receive(h.recvBuf[:])
		if err == ErrDatagramTruncated {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		h.totalReceivedData += uint64(n)
		h.handleDatagram(h.recvBuf[:n], from)
	}
}

func (h *Host) handleDatagram(buf []byte, from Address) {
	datagramLength := len(buf)
	if h.intercept != nil {
		switch h.intercept(from, buf) {
		case InterceptHandled, InterceptError:
			return
		}
	}

	header, consumed, err := wire.DecodeDatagramHeader(buf)
	if err != nil {
		return
	}
	buf = buf[consumed:]

	var p *Peer
	if header.PeerID == wire.MaximumPeerID {
		p = nil // CONNECT from an unknown peer is handled below
	} else {
		if int(header.PeerID) >= len(h.peers) {
			return
		}
		candidate := h.peers[header.PeerID]
		if candidate.state == StateDisconnected || candidate.state == StateZombie {
			return
		}
		// The session id is meaningless until the remote has told us our
		// outgoingPeerID (that happens in the VERIFY_CONNECT this very
		// check would otherwise reject), so skip it for a peer still
		// mid-handshake.
		if candidate.outgoingPeerID < wire.MaximumPeerID && header.SessionID != candidate.incomingSessionID {
			return
		}
		if !candidate.address.Equal(from) && !from.IsBroadcastIPv4() {
			return
		}
		p = candidate
	}

	commandCount := 0
	for len(buf) > 0 {
		if commandCount >= wire.MaximumPacketCommands {
			return
		}
		commandCount++

		cmd, consumed, err := wire.Decode(buf)
		if err != nil {
			return
		}
		buf = buf[consumed:]

		var payload []byte
		if wire.HasPayload(cmd.Header.Opcode()) {
			if len(buf) < int(cmd.DataLength) {
				return
			}
			payload = buf[:cmd.DataLength]
			buf = buf[cmd.DataLength:]
		}

		if cmd.Header.Opcode() == wire.OpConnect {
			h.handleConnect(cmd, payload, from)
			continue
		}
		if p == nil {
			continue
		}

		ev, err := p.dispatchIncoming(cmd, payload, h.serviceTime, header.SentTime)
		if err != nil {
			logger.Warn("dropping malformed command from %s: %v", from, err)
			continue
		}
		h.pushEvent(ev)
	}

	if p != nil {
		p.incomingDataTotal += uint32(datagramLength)
		h.drainDispatched(p)
	}
}

// drainDispatched moves every packet a peer's reassembly logic has made
// ready this pass into the host's ready-event queue, in arrival order.
func (h *Host) drainDispatched(p *Peer) {
	var next *dlist.Node[*incomingCommand]
	for n := p.dispatchedCommands.Front(); n != nil; n = next {
		next = p.dispatchedCommands.Next(n)
		ic := n.Value()
		dlist.Remove[*incomingCommand](n)
		h.pushEvent(&Event{
			Type:      EventReceive,
			Peer:      p,
			ChannelID: ic.command.Header.ChannelID,
			Packet:    ic.packet,
		})
	}
}

// handleConnect admits a fresh session for an unrecognized peer address,
// negotiating MTU, window size, and channel count down to the host's
// configured limits.
func (h *Host) handleConnect(cmd wire.Command, payload []byte, from Address) {
	_ = payload
	channelCount := int(cmd.ChannelCount)
	if channelCount < wire.MinimumChannelCount {
		channelCount = wire.MinimumChannelCount
	}
	if uint32(channelCount) > h.channelLimit {
		channelCount = int(h.channelLimit)
	}

	for _, q := range h.peers {
		if q.state != StateDisconnected && q.state != StateConnecting &&
			q.address.Equal(from) && q.connectID == cmd.ConnectID {
			return
		}
	}
	if h.duplicatePeers > 0 && h.countFromAddress(from) >= h.duplicatePeers {
		return
	}

	p := h.freePeer()
	if p == nil {
		return
	}

	p.address = from
	p.allocateChannels(channelCount)
	p.connectID = cmd.ConnectID
	p.outgoingPeerID = cmd.OutgoingPeerID

	// Roll both session ids forward into the admissible 2-bit range,
	// skipping over whichever value is already in use by this slot, so a
	// stale datagram from a previous session on the same peer index reads
	// as a session mismatch instead of being accepted.
	incomingSessionID := cmd.IncomingSessionID
	if incomingSessionID == 0xFF {
		incomingSessionID = p.outgoingSessionID
	}
	incomingSessionID = nextSessionID(incomingSessionID, p.outgoingSessionID)

	outgoingSessionID := cmd.OutgoingSessionID
	if outgoingSessionID == 0xFF {
		outgoingSessionID = p.incomingSessionID
	}
	outgoingSessionID = nextSessionID(outgoingSessionID, p.incomingSessionID)

	p.outgoingSessionID = incomingSessionID
	p.incomingSessionID = outgoingSessionID

	mtu := cmd.MTU
	if mtu < wire.MinimumMTU {
		mtu = wire.MinimumMTU
	} else if mtu > wire.MaximumMTU {
		mtu = wire.MaximumMTU
	}
	p.mtu = mtu

	windowSize := cmd.WindowSize
	if windowSize < wire.MinimumWindowSize {
		windowSize = wire.MinimumWindowSize
	} else if windowSize > wire.MaximumWindowSize {
		windowSize = wire.MaximumWindowSize
	}
	p.windowSize = windowSize

	p.incomingBandwidth = cmd.IncomingBandwidth
	p.outgoingBandwidth = cmd.OutgoingBandwidth
	p.packetThrottleInterval = cmd.PacketThrottleInterval
	p.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
	p.packetThrottleDeceleration = cmd.PacketThrottleDeceleration
	p.eventData = cmd.ConnectData
	p.state = StateAcknowledgingConnect

	verify := wire.Command{
		Header: wire.CommandHeader{
			Command:   wire.OpVerifyConnect | wire.FlagAcknowledge,
			ChannelID: controlChannelID,
		},
		OutgoingPeerID:             p.incomingPeerID,
		IncomingSessionID:          incomingSessionID,
		OutgoingSessionID:          outgoingSessionID,
		MTU:                        p.mtu,
		WindowSize:                 p.windowSize,
		ChannelCount:               uint32(channelCount),
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     p.packetThrottleInterval,
		PacketThrottleAcceleration: p.packetThrottleAcceleration,
		PacketThrottleDeceleration: p.packetThrottleDeceleration,
		ConnectID:                  p.connectID,
	}
	p.queueOutgoingReliable(verify, nil, 0, 0)
}

// nextSessionID rolls candidate forward by one within the 2-bit session id
// space, skipping the value currently assigned to avoid so a slot reused
// right after a disconnect cannot collide with its own prior session.
func nextSessionID(candidate, avoid uint8) uint8 {
	id := (candidate + 1) & sessionIDMask
	if id == avoid {
		id = (id + 1) & sessionIDMask
	}
	return id
}

func (h *Host) checkAllTimeouts() {
	for _, p := range h.peers {
		if p.state == StateDisconnected || p.state == StateZombie {
			continue
		}
		if p.checkTimeouts(h.serviceTime) {
			wasConnected := p.state == StateConnected || p.state == StateDisconnecting || p.state == StateDisconnectLater
			p.forceReset()
			if wasConnected {
				h.pushEvent(&Event{Type: EventDisconnectTimeout, Peer: p})
			}
			continue
		}
		p.queuePing(h.serviceTime)
	}
}

func (h *Host) sendAllPeers() {
	for _, p := range h.peers {
		if p.state == StateDisconnected || p.state == StateZombie {
			continue
		}
		if !p.needsDispatch && p.acknowledgements.Empty() && p.outgoingCommands.Empty() {
			continue
		}
		h.sendPeer(p)
	}
}

// sendPeer builds and transmits at most one datagram for p, packing
// acknowledgements first, then as many outgoing commands as fit under the
// peer's window budget and MTU, moving reliable ones to
// sentReliableCommands for retransmission tracking.
func (h *Host) sendPeer(p *Peer) {
	var datagram [maxScratchDatagram]byte
	buf := datagram[:0]

	hasTime := !p.acknowledgements.Empty() || !p.outgoingCommands.Empty()
	header := wire.DatagramHeader{
		PeerID:    p.outgoingPeerID,
		SessionID: p.outgoingSessionID,
		HasTime:   hasTime,
		SentTime:  uint16(h.serviceTime),
	}
	buf = header.Encode(buf)

	commandCount := 0
	budget := p.windowBudget()

	zombied := false
	var nextAck *dlist.Node[*acknowledgement]
	for n := p.acknowledgements.Front(); n != nil && commandCount < wire.MaximumPacketCommands; n = nextAck {
		nextAck = p.acknowledgements.Next(n)
		ack := n.Value()
		cmd := wire.Command{
			Header: wire.CommandHeader{
				Command:                wire.OpAcknowledge,
				ChannelID:              ack.channelID,
				ReliableSequenceNumber: ack.reliableSequenceNumber,
			},
			ReceivedReliableSequenceNumber: ack.reliableSequenceNumber,
			ReceivedSentTime:               ack.sentTime,
		}
		encoded, err := wire.Encode(buf, cmd)
		if err != nil || len(encoded) > int(p.mtu) {
			break
		}
		p.outgoingDataTotal += uint32(len(encoded) - len(buf))
		buf = encoded
		if ack.opcode == wire.OpDisconnect {
			zombied = true
		}
		dlist.Remove[*acknowledgement](n)
		commandCount++
	}

	var next *dlist.Node[*outgoingCommand]
	for n := p.outgoingCommands.Front(); n != nil && commandCount < wire.MaximumPacketCommands; n = next {
		next = p.outgoingCommands.Next(n)
		oc := n.Value()
		reliable := oc.command.Header.Acknowledge()

		if reliable && p.reliableDataInTransit+uint32(oc.fragmentLength) > budget {
			break
		}

		if !reliable && oc.packet != nil && oc.fragmentOffset == 0 && oc.packet.Flags&PacketFlagUnthrottled == 0 {
			p.packetThrottleCounter += packetThrottleCounterStep
			p.packetThrottleCounter %= packetThrottleScale

			if p.packetThrottleCounter > p.packetThrottle {
				// Over budget: drop this unreliable packet and every fragment
				// of it still queued behind it, matching
				// enet_protocol_send_unreliable_outgoing_commands.
				dropReliableSeq := oc.reliableSequenceNumber
				dropUnreliableSeq := oc.unreliableSequenceNumber
				for n != nil {
					drop := n.Value()
					if drop.reliableSequenceNumber != dropReliableSeq || drop.unreliableSequenceNumber != dropUnreliableSeq {
						break
					}
					following := p.outgoingCommands.Next(n)
					dlist.Remove[*outgoingCommand](n)
					releaseOutgoing(drop)
					n = following
				}
				next = n
				continue
			}
		}

		var payload []byte
		if oc.packet != nil && wire.HasPayload(oc.command.Header.Opcode()) {
			payload = oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+oc.fragmentLength]
		}

		encoded, err := wire.Encode(buf, oc.command)
		if err != nil {
			dlist.Remove[*outgoingCommand](n)
			releaseOutgoing(oc)
			continue
		}
		if len(encoded)+len(payload) > int(p.mtu) {
			break
		}
		p.outgoingDataTotal += uint32(len(encoded)-len(buf)) + uint32(len(payload))
		encoded = append(encoded, payload...)
		buf = encoded
		commandCount++
		if oc.packet != nil {
			oc.packet.Flags |= PacketFlagSent
		}

		dlist.Remove[*outgoingCommand](n)
		if reliable {
			oc.sentTime = h.serviceTime
			oc.roundTripTimeout = p.roundTripTime + 4*p.roundTripTimeVariance
			if oc.roundTripTimeoutLimit == 0 {
				oc.roundTripTimeoutLimit = oc.roundTripTimeout * timeoutLimit
			}
			p.reliableDataInTransit += uint32(oc.fragmentLength)
			oc.node = p.sentReliableCommands.PushBack(oc)
		} else {
			oc.sentTime = h.serviceTime
			oc.node = p.sentUnreliableCommands.PushBack(oc)
			// Unreliable sends are fire-and-forget: release immediately
			// after handing to the socket, tracked only for symmetry with
			// the reliable queue's bookkeeping.
			dlist.Remove[*outgoingCommand](oc.node)
			releaseOutgoing(oc)
		}

		h.totalSentPackets++
		p.totalPacketsSent++
	}

	p.needsDispatch = !p.acknowledgements.Empty() || !p.outgoingCommands.Empty()

	if len(buf) <= wire.DatagramHeaderSizeLong {
		if zombied {
			h.pushEvent(&Event{Type: EventDisconnect, Peer: p, Data: p.eventData})
			p.forceReset()
		}
		return
	}

	n, err := h.socket.Send(p.address, [][]byte{buf})
	if err != nil {
		logger.Warn("send to %s failed: %v", p.address, err)
		return
	}
	p.lastSendTime = h.serviceTime
	h.totalSentData += uint64(n)

	// Acknowledging the remote's DISCONNECT is this side's last duty for
	// the session: raise the event now and free the slot, mirroring the
	// accepting side's acceptance of its own VERIFY_CONNECT ack.
	if zombied {
		h.pushEvent(&Event{Type: EventDisconnect, Peer: p, Data: p.eventData})
		p.forceReset()
	}
}

// BandwidthLimit sets the host's own incoming/outgoing bandwidth caps and
// marks every connected peer's share for recomputation on the next
// throttleBandwidth pass, mirroring enet_host_bandwidth_limit.
func (h *Host) BandwidthLimit(incomingBandwidth, outgoingBandwidth uint32) {
	h.incomingBandwidth = incomingBandwidth
	h.outgoingBandwidth = outgoingBandwidth
	h.recalculateBandwidthLimits = true
}

func (h *Host) connectedPeers() int {
	n := 0
	for _, p := range h.peers {
		if p.state == StateConnected || p.state == StateDisconnectLater {
			n++
		}
	}
	return n
}

// throttleBandwidth recomputes every connected peer's fair outgoing-bandwidth
// share once per hostBandwidthThrottleInterval, converging iteratively the
// way enet_host_bandwidth_throttle does: peers whose own incomingBandwidth
// caps them below their fair share are pinned first and removed from the
// pool, then the remaining bandwidth is re-split among what's left, until no
// further peer needs adjustment or everyone has been assigned a limit.
func (h *Host) throttleBandwidth() {
	elapsed := timeDifference(h.serviceTime, h.bandwidthThrottleEpoch)
	if elapsed < hostBandwidthThrottleInterval {
		return
	}
	if h.outgoingBandwidth == 0 && h.incomingBandwidth == 0 {
		return
	}

	h.bandwidthThrottleEpoch = h.serviceTime

	connected := h.connectedPeers()
	if connected == 0 {
		return
	}

	peersRemaining := connected
	needsAdjustment := true

	var dataTotal, bandwidth uint32
	if h.outgoingBandwidth != 0 {
		bandwidth = (h.outgoingBandwidth * elapsed) / 1000
		for _, p := range h.peers {
			if p.state != StateConnected && p.state != StateDisconnectLater {
				continue
			}
			dataTotal += p.outgoingDataTotal
		}
	} else {
		dataTotal = ^uint32(0)
		bandwidth = ^uint32(0)
	}

	for peersRemaining > 0 && needsAdjustment {
		needsAdjustment = false

		var throttle uint32
		if dataTotal <= bandwidth {
			throttle = packetThrottleScale
		} else {
			throttle = (bandwidth * packetThrottleScale) / dataTotal
		}

		for _, p := range h.peers {
			if (p.state != StateConnected && p.state != StateDisconnectLater) ||
				p.incomingBandwidth == 0 || p.outgoingBandwidthThrottleEpoch == h.serviceTime {
				continue
			}

			peerBandwidth := (p.incomingBandwidth * elapsed) / 1000
			if (throttle*p.outgoingDataTotal)/packetThrottleScale <= peerBandwidth {
				continue
			}

			p.packetThrottleLimit = (peerBandwidth * packetThrottleScale) / p.outgoingDataTotal
			if p.packetThrottleLimit == 0 {
				p.packetThrottleLimit = 1
			}
			if p.packetThrottle > p.packetThrottleLimit {
				p.packetThrottle = p.packetThrottleLimit
			}

			p.outgoingBandwidthThrottleEpoch = h.serviceTime
			p.incomingDataTotal = 0
			p.outgoingDataTotal = 0
			needsAdjustment = true
			peersRemaining--
			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	if peersRemaining > 0 {
		var throttle uint32
		if dataTotal <= bandwidth {
			throttle = packetThrottleScale
		} else {
			throttle = (bandwidth * packetThrottleScale) / dataTotal
		}

		for _, p := range h.peers {
			if (p.state != StateConnected && p.state != StateDisconnectLater) || p.outgoingBandwidthThrottleEpoch == h.serviceTime {
				continue
			}

			p.packetThrottleLimit = throttle
			if p.packetThrottle > p.packetThrottleLimit {
				p.packetThrottle = p.packetThrottleLimit
			}

			p.incomingDataTotal = 0
			p.outgoingDataTotal = 0
		}
	}

	if !h.recalculateBandwidthLimits {
		return
	}
	h.recalculateBandwidthLimits = false

	peersRemaining = connected
	bandwidth = h.incomingBandwidth
	needsAdjustment = true
	var bandwidthLimit uint32

	if bandwidth != 0 {
		for peersRemaining > 0 && needsAdjustment {
			needsAdjustment = false
			bandwidthLimit = bandwidth / uint32(peersRemaining)

			for _, p := range h.peers {
				if (p.state != StateConnected && p.state != StateDisconnectLater) || p.incomingBandwidthThrottleEpoch == h.serviceTime {
					continue
				}
				if p.outgoingBandwidth > 0 && p.outgoingBandwidth >= bandwidthLimit {
					continue
				}

				p.incomingBandwidthThrottleEpoch = h.serviceTime
				needsAdjustment = true
				peersRemaining--
				bandwidth -= p.outgoingBandwidth
			}
		}
	}

	for _, p := range h.peers {
		if p.state != StateConnected && p.state != StateDisconnectLater {
			continue
		}

		cmd := wire.Command{
			Header: wire.CommandHeader{
				Command:   wire.OpBandwidthLimit | wire.FlagAcknowledge,
				ChannelID: controlChannelID,
			},
			OutgoingBandwidth: h.outgoingBandwidth,
		}
		if p.incomingBandwidthThrottleEpoch == h.serviceTime {
			cmd.IncomingBandwidth = p.outgoingBandwidth
		} else {
			cmd.IncomingBandwidth = bandwidthLimit
		}
		p.queueOutgoingReliable(cmd, nil, 0, 0)
	}
}

// Peers returns every peer slot, connected or not, for diagnostics.
func (h *Host) Peers() []*Peer { return h.peers }

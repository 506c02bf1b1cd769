package relnet

import (
	"testing"

	"relnet-go/internal/wire"
)

func testHost() *Host {
	return &Host{
		maximumPacketSize:  DefaultMaximumPacketSize,
		maximumWaitingData: DefaultMaximumWaitingData,
	}
}

func testPeer() *Peer {
	p := newPeer(testHost(), 0)
	p.allocateChannels(2)
	p.state = StateConnected
	p.mtu = DefaultMTU
	return p
}

func TestPeerSendSmallReliableQueuesOneCommand(t *testing.T) {
	p := testPeer()
	if err := p.Send(0, []byte("hello"), PacketFlagReliable); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if p.outgoingCommands.Len() != 1 {
		t.Fatalf("outgoingCommands.Len() = %d, want 1", p.outgoingCommands.Len())
	}
	oc := p.outgoingCommands.Front().Value()
	if oc.command.Header.Opcode() != wire.OpSendReliable {
		t.Fatalf("opcode = %d, want SendReliable", oc.command.Header.Opcode())
	}
	if oc.reliableSequenceNumber != 1 {
		t.Fatalf("reliableSequenceNumber = %d, want 1", oc.reliableSequenceNumber)
	}
}

func TestPeerSendChannelOutOfRange(t *testing.T) {
	p := testPeer()
	if err := p.Send(5, []byte("x"), PacketFlagReliable); err != ErrChannelOutOfRange {
		t.Fatalf("err = %v, want ErrChannelOutOfRange", err)
	}
}

func TestPeerSendLargeReliableFragments(t *testing.T) {
	p := testPeer()
	p.mtu = 100
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	if err := p.Send(0, data, PacketFlagReliable); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	fragmentSize := int(p.mtu) - fragmentHeaderSize
	wantFragments := (len(data) + fragmentSize - 1) / fragmentSize
	if p.outgoingCommands.Len() != wantFragments {
		t.Fatalf("outgoingCommands.Len() = %d, want %d", p.outgoingCommands.Len(), wantFragments)
	}

	// Reassemble the payload from the queued fragments and confirm it
	// matches the original, since queueFragments must not drop or
	// misorder any byte range.
	reassembled := make([]byte, len(data))
	for n := p.outgoingCommands.Front(); n != nil; n = p.outgoingCommands.Next(n) {
		oc := n.Value()
		copy(reassembled[oc.fragmentOffset:], oc.packet.Data[oc.fragmentOffset:oc.fragmentOffset+oc.fragmentLength])
	}
	for i := range data {
		if reassembled[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, reassembled[i], data[i])
		}
	}

	// The caller's implicit reference must have been released, leaving
	// one reference per queued fragment command.
	firstPacket := p.outgoingCommands.Front().Value().packet
	if firstPacket.ReferenceCount() != wantFragments {
		t.Fatalf("ReferenceCount() = %d, want %d", firstPacket.ReferenceCount(), wantFragments)
	}
}

func TestPeerSendUnreliableTooLargeWithoutFragmentFlag(t *testing.T) {
	p := testPeer()
	p.mtu = 100
	data := make([]byte, 1000)
	err := p.Send(0, data, 0)
	if err != ErrPacketTooLarge {
		t.Fatalf("err = %v, want ErrPacketTooLarge", err)
	}
}

func TestQueueOutgoingReliableIncrementsControlSequence(t *testing.T) {
	p := testPeer()
	p.queuePing(1000)
	if p.outgoingReliableSequenceNumber != 1 {
		t.Fatalf("outgoingReliableSequenceNumber = %d, want 1", p.outgoingReliableSequenceNumber)
	}
}

func TestQueuePingRespectsIdleThreshold(t *testing.T) {
	p := testPeer()
	p.lastReceiveTime = 1000
	p.pingInterval = 500

	p.queuePing(1100) // only 100ms idle, below half the interval
	if !p.outgoingCommands.Empty() {
		t.Fatal("queuePing should not fire before half the ping interval has elapsed")
	}

	p.queuePing(1300) // 300ms idle, past half of 500
	if p.outgoingCommands.Empty() {
		t.Fatal("queuePing should fire once idle past half the ping interval")
	}
}

func TestRemoveSentReliableCommandUpdatesWindowAccounting(t *testing.T) {
	p := testPeer()
	ch := p.channels[0]

	packet := NewPacket([]byte("payload"), PacketFlagReliable)
	cmd := outgoingCommandFor(ch, 1, packet)
	cmd.sentTime = 1000
	cmd.node = p.sentReliableCommands.PushBack(cmd)
	ch.reliableWindows[0] = 1
	ch.usedReliableWindows = 1

	ok := p.removeSentReliableCommand(1, 0)
	if !ok {
		t.Fatal("removeSentReliableCommand should find the matching command")
	}
	if ch.reliableWindows[0] != 0 {
		t.Fatalf("reliableWindows[0] = %d, want 0", ch.reliableWindows[0])
	}
	if ch.usedReliableWindows != 0 {
		t.Fatal("usedReliableWindows bit should have been cleared")
	}
	if packet.ReferenceCount() != 0 {
		t.Fatalf("ReferenceCount() = %d, want 0 after release", packet.ReferenceCount())
	}
}

func TestRemoveSentReliableCommandNotFound(t *testing.T) {
	p := testPeer()
	if p.removeSentReliableCommand(99, 0) {
		t.Fatal("removeSentReliableCommand should report false for an unknown sequence number")
	}
}

func TestUpdateRoundTripTimeConverges(t *testing.T) {
	p := testPeer()
	p.roundTripTime = 100
	p.roundTripTimeVariance = 50
	p.hasRoundTripSample = true
	now := uint32(0)
	for i := 0; i < 50; i++ {
		now += 100
		p.updateRoundTripTime(200, now)
	}
	if p.roundTripTime < 190 || p.roundTripTime > 200 {
		t.Fatalf("roundTripTime = %d, want convergence near 200", p.roundTripTime)
	}
}

func TestUpdateRoundTripTimeFirstSampleSetsBaseline(t *testing.T) {
	p := testPeer()
	p.hasRoundTripSample = false
	p.updateRoundTripTime(80, 0)
	if p.roundTripTime != 80 {
		t.Fatalf("roundTripTime = %d, want 80 on first sample", p.roundTripTime)
	}
	if p.roundTripTimeVariance != 40 {
		t.Fatalf("roundTripTimeVariance = %d, want 40 (half the first sample)", p.roundTripTimeVariance)
	}
	if !p.hasRoundTripSample {
		t.Fatal("hasRoundTripSample should be set after the first sample")
	}
}

func TestThrottleSlamsToLimitWithNoBaseline(t *testing.T) {
	p := testPeer()
	p.packetThrottle = 5
	p.packetThrottleLimit = 32
	p.lastRoundTripTime = 0
	p.lastRoundTripTimeVariance = 0
	p.throttle(10000)
	if p.packetThrottle != p.packetThrottleLimit {
		t.Fatalf("packetThrottle = %d, want %d (slammed open with no RTT baseline yet)", p.packetThrottle, p.packetThrottleLimit)
	}
}

func TestThrottleAcceleratesOnImprovedRTT(t *testing.T) {
	p := testPeer()
	p.packetThrottle = 10
	p.packetThrottleLimit = 32
	p.lastRoundTripTime = 200
	p.lastRoundTripTimeVariance = 10
	// Measured RTT (150) comes in well under the baseline (200), so the
	// throttle should open up.
	p.throttle(150)
	if p.packetThrottle <= 10 {
		t.Fatalf("packetThrottle = %d, want > 10 after acceleration", p.packetThrottle)
	}
}

func TestThrottleDeceleratesOnWorsenedRTT(t *testing.T) {
	p := testPeer()
	p.packetThrottle = 20
	p.lastRoundTripTime = 100
	p.lastRoundTripTimeVariance = 5
	// Measured RTT (300) is well past lastRoundTripTime + threshold +
	// 2*variance (100+40+10=150).
	p.throttle(300)
	if p.packetThrottle != 18 {
		t.Fatalf("packetThrottle = %d, want 18 after deceleration", p.packetThrottle)
	}
}

func TestCheckTimeoutsRetransmitsBeforeMaximum(t *testing.T) {
	p := testPeer()
	ch := p.channels[0]
	packet := NewPacket([]byte("x"), PacketFlagReliable)
	cmd := outgoingCommandFor(ch, 1, packet)
	cmd.sentTime = 1
	cmd.roundTripTimeout = 100
	cmd.roundTripTimeoutLimit = 100 * timeoutLimit
	cmd.node = p.sentReliableCommands.PushBack(cmd)

	timedOut := p.checkTimeouts(200)
	if timedOut {
		t.Fatal("checkTimeouts should not declare the peer dead on the first retransmit")
	}
	if p.sentReliableCommands.Len() != 0 {
		t.Fatal("the expired command should have moved out of sentReliableCommands")
	}
	if p.outgoingCommands.Len() != 1 {
		t.Fatal("the expired command should have been requeued to outgoingCommands")
	}
	if p.totalPacketsLost != 1 {
		t.Fatalf("totalPacketsLost = %d, want 1", p.totalPacketsLost)
	}
}

func TestCheckTimeoutsDeclaresDeadPastMaximum(t *testing.T) {
	p := testPeer()
	ch := p.channels[0]
	packet := NewPacket([]byte("x"), PacketFlagReliable)
	cmd := outgoingCommandFor(ch, 1, packet)
	cmd.sentTime = 1
	cmd.roundTripTimeout = 100
	cmd.roundTripTimeoutLimit = 200

	cmd.node = p.sentReliableCommands.PushBack(cmd)

	timedOut := p.checkTimeouts(timeoutMaximum + 2)
	if !timedOut {
		t.Fatal("checkTimeouts should declare the peer dead past timeoutMaximum")
	}
}

func TestDisconnectQueuesReliableCommand(t *testing.T) {
	p := testPeer()
	p.disconnect(42)
	if p.state != StateDisconnecting {
		t.Fatalf("state = %v, want StateDisconnecting", p.state)
	}
	if p.outgoingCommands.Len() != 1 {
		t.Fatal("disconnect should queue exactly one reliable DISCONNECT command")
	}
}

func TestDisconnectWhileConnectingForceResets(t *testing.T) {
	p := testPeer()
	p.state = StateConnecting
	p.disconnect(0)
	if p.state != StateDisconnected {
		t.Fatalf("state = %v, want StateDisconnected", p.state)
	}
}

// outgoingCommandFor builds a minimal sent-reliable outgoingCommand bound to
// ch's window accounting, for tests that exercise removeSentReliableCommand
// and checkTimeouts without going through the full send pipeline.
func outgoingCommandFor(ch *Channel, reliableSequenceNumber uint16, packet *Packet) *outgoingCommand {
	window := reliableSequenceNumber / reliableWindowSize
	ch.reliableWindows[window]++
	ch.usedReliableWindows |= 1 << window
	return &outgoingCommand{
		reliableSequenceNumber: reliableSequenceNumber,
		packet:                 packet,
		fragmentLength:         len(packet.Data),
	}
}

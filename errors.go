package relnet

import "github.com/pkg/errors"

// Policy and allocation errors. Protocol-format errors (malformed header,
// bad opcode, command overruns) never reach the caller: the receive
// pipeline drops the datagram without logging. Policy errors returned by
// the command handlers are logged by the host and never returned from
// Service.
var (
	// ErrPeerPoolExhausted means the host has no free peer slot for a new
	// incoming CONNECT.
	ErrPeerPoolExhausted = errors.New("relnet: no free peer slot")
	// ErrDuplicatePeer means a peer from the same address/connectID (or
	// past the duplicatePeers cap) is already connecting or connected.
	ErrDuplicatePeer = errors.New("relnet: duplicate peer rejected")
	// ErrChannelOutOfRange means a command named a channel id the peer
	// does not have.
	ErrChannelOutOfRange = errors.New("relnet: channel out of range")
	// ErrWaitingDataExceeded means admitting a fragment would push the
	// peer's reassembly total over maximumWaitingData.
	ErrWaitingDataExceeded = errors.New("relnet: maximum waiting data exceeded")
	// ErrFragmentMismatch means a fragment's (reliableSequenceNumber,
	// totalLength, fragmentCount) disagreed with its reassembly entry.
	ErrFragmentMismatch = errors.New("relnet: fragment metadata mismatch")
	// ErrPacketTooLarge means a SEND_* command's length exceeds
	// maximumPacketSize.
	ErrPacketTooLarge = errors.New("relnet: packet exceeds maximum size")
	// ErrAllocationFailed names an allocator failure. Nothing in this
	// package returns it: the host keeps the configured Allocator but
	// allocates packet buffers with make and append.
	ErrAllocationFailed = errors.New("relnet: allocation failed")
	// ErrHostStopped is returned by Service after Host.Shutdown.
	ErrHostStopped = errors.New("relnet: host destroyed")
)

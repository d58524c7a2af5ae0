package paxos

import (
	"encoding/binary"
	"fmt"

	"wirelesspaxos/chaos"
)

// HeaderLen is the size of the fixed packet header on air. The variable
// length participation flags follow the header.
const HeaderLen = 6

// Packet is the on-air Wireless Paxos state. One packet circulates through
// the network per round, progressively aggregating the state of every node
// it passes through.
type Packet struct {
	// Ballot is the current proposer's ballot, or zero in an INIT heartbeat.
	Ballot Ballot
	// Phase is the protocol stage, set by the proposer.
	Phase Phase
	// Value carries the latest accepted value reported by acceptors during
	// PREPARE, and the proposer's chosen value during ACCEPT.
	Value Value
	// Proposal carries the highest accepted ballot reported by any acceptor
	// during PREPARE, and the highest min proposal reported by any acceptor
	// during ACCEPT.
	Proposal Ballot
	// Flags is the participation bitset.
	Flags chaos.Flags
}

// PayloadLength returns the on-air size of a packet for a network of
// nodeCount nodes.
func PayloadLength(nodeCount int) int {
	return HeaderLen + chaos.FlagsLength(nodeCount)
}

// NewPacket creates a zeroed packet sized for nodeCount nodes.
func NewPacket(nodeCount int) *Packet {
	return &Packet{Flags: chaos.NewFlags(nodeCount)}
}

// Marshal writes the packet into buf using the little-endian byte-packed
// wire layout: ballot, phase, value, proposal, flags.
func (p *Packet) Marshal(buf []byte) error {
	if len(buf) < HeaderLen+len(p.Flags) {
		return fmt.Errorf("failed to marshal paxos packet: buffer too short (%d bytes)", len(buf))
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Ballot))
	buf[2] = byte(p.Phase)
	buf[3] = byte(p.Value)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.Proposal))
	copy(buf[HeaderLen:], p.Flags)
	return nil
}

// Unmarshal reads the packet from buf. The flags slice must already be
// sized for the network.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) < HeaderLen+len(p.Flags) {
		return fmt.Errorf("failed to unmarshal paxos packet: buffer too short (%d bytes)", len(buf))
	}
	p.Ballot = Ballot(binary.LittleEndian.Uint16(buf[0:2]))
	p.Phase = Phase(buf[2])
	p.Value = Value(buf[3])
	p.Proposal = Ballot(binary.LittleEndian.Uint16(buf[4:6]))
	copy(p.Flags, buf[HeaderLen:HeaderLen+len(p.Flags)])
	return nil
}

// CopyHeader copies the fixed header fields from other, leaving flags alone.
func (p *Packet) CopyHeader(other *Packet) {
	p.Ballot = other.Ballot
	p.Phase = other.Phase
	p.Value = other.Value
	p.Proposal = other.Proposal
}

// CopyFrom copies the full packet, flags included.
func (p *Packet) CopyFrom(other *Packet) {
	p.CopyHeader(other)
	copy(p.Flags, other.Flags)
}

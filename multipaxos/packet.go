package multipaxos

import (
	"encoding/binary"
	"fmt"

	"wirelesspaxos/chaos"
	"wirelesspaxos/paxos"
)

const (
	// BatchSize is the number of consecutive decrees covered by one packet.
	// It must not exceed LogSize.
	BatchSize = 2
	// LogSize is the number of ring-buffer entries in the acceptor and
	// learner logs. Entries are indexed decree mod LogSize and overwriting
	// is expected; safety rests on the min proposal, not on log retention.
	LogSize = 8
	// NoOp is the reserved value a recovering leader uses to fill log gaps.
	// The application must never propose it.
	NoOp paxos.Value = 255
	// BecomeLeaderAfter is the number of silent rounds after which a node
	// may nominate itself as the new leader.
	BecomeLeaderAfter = 3
)

// HeaderLen is the size of the fixed packet header on air: ballot, phase,
// round, max heard round, then BatchSize values and BatchSize proposals.
const HeaderLen = 7 + 3*BatchSize

// Packet is the on-air Wireless Multi-Paxos state.
type Packet struct {
	// Ballot is the current leader's ballot, or zero in an INIT heartbeat.
	Ballot paxos.Ballot
	// Phase is the protocol stage, set by the leader.
	Phase paxos.Phase
	// Round is the first decree this packet covers: the lowest round with
	// no accepted value during PREPARE, the batch being agreed on during
	// ACCEPT.
	Round uint16
	// MaxHeardRound is filled by acceptors during PREPARE with the highest
	// decree they ever participated in; it drives iterative Prepare.
	MaxHeardRound uint16
	// Values carries reported accepted values during PREPARE and the
	// leader's proposed batch during ACCEPT.
	Values [BatchSize]paxos.Value
	// Proposals carries per-decree accepted ballots during PREPARE; during
	// ACCEPT only the first entry is used, as the highest min proposal
	// reported by any acceptor.
	Proposals [BatchSize]paxos.Ballot
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
// wire layout.
func (p *Packet) Marshal(buf []byte) error {
	if len(buf) < HeaderLen+len(p.Flags) {
		return fmt.Errorf("failed to marshal multipaxos packet: buffer too short (%d bytes)", len(buf))
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Ballot))
	buf[2] = byte(p.Phase)
	binary.LittleEndian.PutUint16(buf[3:5], p.Round)
	binary.LittleEndian.PutUint16(buf[5:7], p.MaxHeardRound)
	off := 7
	for i := 0; i < BatchSize; i++ {
		buf[off+i] = byte(p.Values[i])
	}
	off += BatchSize
	for i := 0; i < BatchSize; i++ {
		binary.LittleEndian.PutUint16(buf[off+2*i:off+2*i+2], uint16(p.Proposals[i]))
	}
	copy(buf[HeaderLen:], p.Flags)
	return nil
}

// Unmarshal reads the packet from buf. The flags slice must already be
// sized for the network.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) < HeaderLen+len(p.Flags) {
		return fmt.Errorf("failed to unmarshal multipaxos packet: buffer too short (%d bytes)", len(buf))
	}
	p.Ballot = paxos.Ballot(binary.LittleEndian.Uint16(buf[0:2]))
	p.Phase = paxos.Phase(buf[2])
	p.Round = binary.LittleEndian.Uint16(buf[3:5])
	p.MaxHeardRound = binary.LittleEndian.Uint16(buf[5:7])
	off := 7
	for i := 0; i < BatchSize; i++ {
		p.Values[i] = paxos.Value(buf[off+i])
	}
	off += BatchSize
	for i := 0; i < BatchSize; i++ {
		p.Proposals[i] = paxos.Ballot(binary.LittleEndian.Uint16(buf[off+2*i : off+2*i+2]))
	}
	copy(p.Flags, buf[HeaderLen:HeaderLen+len(p.Flags)])
	return nil
}

// CopyHeader copies the fixed header fields from other, leaving flags alone.
func (p *Packet) CopyHeader(other *Packet) {
	p.Ballot = other.Ballot
	p.Phase = other.Phase
	p.Round = other.Round
	p.MaxHeardRound = other.MaxHeardRound
	p.Values = other.Values
	p.Proposals = other.Proposals
}

// CopyFrom copies the full packet, flags included.
func (p *Packet) CopyFrom(other *Packet) {
	p.CopyHeader(other)
	copy(p.Flags, other.Flags)
}

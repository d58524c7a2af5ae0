package paxos

// Stats records the per-slot evolution of a node's state over one round.
// The core only writes it; reporters read it after the round. Proposal
// entries hold the packed ballot, with 0 meaning "unchanged since the
// previous slot" to keep printed traces short.
type Stats struct {
	FlagsPerSlot            []uint8
	ValuePerSlot            []Value
	MinProposalPerSlot      []uint16
	AcceptedProposalPerSlot []uint16

	lastMinProposal      uint16
	lastAcceptedProposal uint16
}

func (s *Stats) reset(maxSlots int) {
	if len(s.FlagsPerSlot) != maxSlots {
		s.FlagsPerSlot = make([]uint8, maxSlots)
		s.ValuePerSlot = make([]Value, maxSlots)
		s.MinProposalPerSlot = make([]uint16, maxSlots)
		s.AcceptedProposalPerSlot = make([]uint16, maxSlots)
	} else {
		for i := range s.FlagsPerSlot {
			s.FlagsPerSlot[i] = 0
			s.ValuePerSlot[i] = 0
			s.MinProposalPerSlot[i] = 0
			s.AcceptedProposalPerSlot[i] = 0
		}
	}
	s.lastMinProposal = 0
	s.lastAcceptedProposal = 0
}

func (s *Stats) record(slot uint16, flagCount int, acc acceptorState) {
	if int(slot) >= len(s.FlagsPerSlot) {
		return
	}
	s.FlagsPerSlot[slot] = uint8(flagCount)
	s.ValuePerSlot[slot] = acc.acceptedValue
	if uint16(acc.minProposal) != s.lastMinProposal || slot == 0 {
		s.MinProposalPerSlot[slot] = uint16(acc.minProposal)
		s.lastMinProposal = uint16(acc.minProposal)
	}
	if uint16(acc.acceptedProposal) != s.lastAcceptedProposal || slot == 0 {
		s.AcceptedProposalPerSlot[slot] = uint16(acc.acceptedProposal)
		s.lastAcceptedProposal = uint16(acc.acceptedProposal)
	}
}

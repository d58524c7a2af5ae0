package multipaxos

import "wirelesspaxos/paxos"

// Stats records the per-slot flag evolution over one round and a snapshot
// of the acceptor log at the end of it. The core only writes it; reporters
// read it after the round.
type Stats struct {
	FlagsPerSlot []uint8
	ValuesInLog  [LogSize]paxos.Value
}

func (s *Stats) reset(maxSlots int) {
	if len(s.FlagsPerSlot) != maxSlots {
		s.FlagsPerSlot = make([]uint8, maxSlots)
		return
	}
	for i := range s.FlagsPerSlot {
		s.FlagsPerSlot[i] = 0
	}
}

func (s *Stats) record(slot uint16, flagCount int) {
	if int(slot) >= len(s.FlagsPerSlot) {
		return
	}
	s.FlagsPerSlot[slot] = uint8(flagCount)
}

func (s *Stats) snapshotLog(values [LogSize]paxos.Value) {
	s.ValuesInLog = values
}

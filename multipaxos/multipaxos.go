package multipaxos

import (
	"wirelesspaxos/chaos"
	"wirelesspaxos/paxos"
)

// leaderState is the role state of the node driving the log forward. A
// leader in Multi-Paxos is the equivalent of a proposer in Paxos.
type leaderState struct {
	proposedBallot paxos.Ballot
	proposedValues [BatchSize]paxos.Value
	isLeader       bool
	phase          paxos.Phase
	// currentRound is the first decree of the batch being driven. It
	// advances, by exactly BatchSize, only when an ACCEPT majority is
	// observed; ReplayLastConsensus moves it back by one batch.
	currentRound    uint16
	gotMajority     bool
	doAnotherPhase1 bool
}

// acceptorState persists across rounds; Multi-Paxos never resets it, the
// log accumulates. The ring buffers are write-through and
// lastRoundParticipation is the authoritative high-water mark.
type acceptorState struct {
	minProposal            paxos.Ballot
	acceptedProposals      [LogSize]paxos.Ballot
	acceptedValues         [LogSize]paxos.Value
	lastRoundParticipation uint16
}

// learnerState holds the ring of chosen values.
type learnerState struct {
	learnedValues [LogSize]paxos.Value
	lastRound     uint16
}

// Node is one participant's Wireless Multi-Paxos state machine. A Node is
// owned by its round driver and must only be used from a single goroutine.
type Node struct {
	cfg *chaos.Config

	leader   leaderState
	acceptor acceptorState
	learner  learnerState

	// Per-phase aggregation, cleared whenever a new (ballot, round, phase)
	// triple is adopted.
	rxMinProposal       paxos.Ballot
	rxAcceptedProposals [BatchSize]paxos.Ballot
	rxAcceptedValues    [BatchSize]paxos.Value
	rxMaxHeardRound     uint16

	// notHeardFromLeader counts rounds without any valid leader packet;
	// past BecomeLeaderAfter the node may nominate itself.
	notHeardFromLeader int

	// ShouldBecomeLeader decides whether this node nominates itself once
	// the current leader is believed crashed. The default throws a dice
	// with probability roughly 4/N.
	ShouldBecomeLeader func(*Node) bool

	// Slot-local round bookkeeping.
	txPending        bool
	complete         bool
	completionSlot   uint16
	offSlot          uint16
	txCountComplete  int
	invalidRxCount   int
	gotValidRx       bool
	nReplies         int
	valuesChosen     bool
	restartThreshold int

	template  chaos.Flags
	lastFlags chaos.Flags
	report    Packet

	stats Stats

	txPkt Packet
	rxPkt Packet
}

// NewNode creates a Wireless Multi-Paxos node for the given network
// configuration.
func NewNode(cfg *chaos.Config) *Node {
	n := &Node{
		cfg:       cfg,
		template:  chaos.NewFlags(cfg.NodeCount),
		lastFlags: chaos.NewFlags(cfg.NodeCount),
	}
	n.report.Flags = chaos.NewFlags(cfg.NodeCount)
	n.txPkt.Flags = chaos.NewFlags(cfg.NodeCount)
	n.rxPkt.Flags = chaos.NewFlags(cfg.NodeCount)
	n.ShouldBecomeLeader = func(node *Node) bool {
		quarter := node.cfg.NodeCount / 4
		if quarter <= 0 {
			return true
		}
		return node.cfg.Rand()%uint32(quarter) == 0
	}
	return n
}

// BeginRound arms the node for a new Synchrotron round and returns the
// initial transmit payload. The transmit buffer starts zeroed every round;
// only the node's own participation bit is set. A node designated leader by
// the application keeps its leader state across rounds; a node that has not
// heard a leader for more than BecomeLeaderAfter rounds consults
// ShouldBecomeLeader and may seed its own leader state.
func (n *Node) BeginRound(round uint16, isLeader bool, values [BatchSize]paxos.Value) []byte {
	n.offSlot = n.cfg.MaxSlots
	n.txPending = false
	n.gotValidRx = false
	n.nReplies = 0
	n.complete = false
	n.completionSlot = 0
	n.txCountComplete = 0
	n.invalidRxCount = 0
	n.valuesChosen = false
	n.restartThreshold = n.cfg.RestartThreshold()
	n.stats.reset(int(n.cfg.MaxSlots))

	n.template.Clear()
	n.template.Set(n.cfg.NodeIndex)
	n.lastFlags.Clear()
	n.lastFlags.Set(n.cfg.NodeIndex)

	n.notHeardFromLeader++
	if isLeader {
		if n.leader.isLeader {
			n.SetLeaderValues(values)
		} else {
			n.SetInitialLeaderState()
		}
	} else if !n.leader.isLeader && n.notHeardFromLeader > BecomeLeaderAfter &&
		n.ShouldBecomeLeader != nil && n.ShouldBecomeLeader(n) {
		n.SetInitialLeaderState()
	}

	payload := make([]byte, PayloadLength(n.cfg.NodeCount))
	initial := Packet{Flags: n.lastFlags}
	initial.Marshal(payload)
	return payload
}

// Process is the per-slot state update for Wireless Multi-Paxos.
func (n *Node) Process(round, slot uint16, current chaos.State, txrxOK bool, rx, tx []byte) chaos.State {
	txPkt := &n.txPkt
	txPkt.Unmarshal(tx)

	var payload *Packet
	if current == chaos.StateTX {
		payload = txPkt
	} else if rx != nil {
		n.rxPkt.Unmarshal(rx)
		payload = &n.rxPkt
	}

	rxDelta := false
	n.txPending = false
	n.nReplies = 0

	if txrxOK && payload != nil &&
		(current == chaos.StateRX || (current == chaos.StateTX && n.leader.isLeader)) {
		n.gotValidRx = true

		if payload.Phase == paxos.PhaseInit {
			if n.leader.isLeader {
				n.leaderRoundStart(txPkt)
				n.txPending = true
			} else if txPkt.Ballot.IsZero() {
				// No leader heard yet this round: forward the heartbeat
				// with our flag.
				txPkt.CopyHeader(payload)
				if txPkt.Flags.Merge(payload.Flags) {
					n.txPending = true
				}
				if txPkt.Flags.Complete(n.cfg.NodeCount) {
					n.complete = true
				}
			}
			rxDelta = n.txPending
		} else {
			// Ordering is lexicographic on (ballot, round, phase): merge
			// the payload only if it is at least as new as our own state.
			if payload.Ballot > txPkt.Ballot ||
				(payload.Ballot == txPkt.Ballot && payload.Round > txPkt.Round) ||
				(payload.Ballot == txPkt.Ballot && payload.Round == txPkt.Round &&
					payload.Phase >= txPkt.Phase) {
				// Some leader is alive.
				n.notHeardFromLeader = 0

				newPhase := !(payload.Ballot == txPkt.Ballot && payload.Phase == txPkt.Phase &&
					payload.Round == txPkt.Round)
				if newPhase {
					txPkt.CopyFrom(payload)
					n.clearAggregation()
				}

				switch payload.Phase {
				case paxos.PhasePrepare:
					if n.acceptorPrepare(payload, txPkt) {
						n.txPending = true
						rxDelta = true
					}
				case paxos.PhaseAccept:
					if n.acceptorAccept(payload, txPkt) {
						n.txPending = true
						rxDelta = true
					}
				}

				if newPhase {
					n.txPending = true
					rxDelta = true
				} else if txPkt.Flags.Merge(payload.Flags) {
					n.txPending = true
					rxDelta = true
				}
				txPkt.Flags.Set(n.cfg.NodeIndex)
				n.nReplies = txPkt.Flags.Count()

				// Quorum read: a flag majority under ACCEPT means the
				// batch is chosen.
				if payload.Phase == paxos.PhaseAccept && n.nReplies > n.cfg.Majority() {
					n.valuesChosen = true
					for i := 0; i < BatchSize; i++ {
						n.learner.learnedValues[int(payload.Round+uint16(i))%LogSize] = payload.Values[i]
					}
					n.learner.lastRound = payload.Round + BatchSize - 1
				}

				if payload.Phase == paxos.PhaseAccept && txPkt.Flags.Complete(n.cfg.NodeCount) {
					n.txPending = true
					if !n.complete {
						n.completionSlot = slot
						n.complete = true
					}
				}
			} else {
				// Teach the higher ballot to whoever sent the lower one.
				n.txPending = true
			}

			if n.leader.isLeader && !n.leader.gotMajority {
				if n.leaderStep(payload, txPkt) {
					rxDelta = true
				}
			}
		}
	}

	next := n.nextRadioState(current, txrxOK, rxDelta, txPkt)

	// Keep the local report snapshot in sync with the transmit state.
	n.report.CopyHeader(txPkt)
	copy(n.lastFlags, txPkt.Flags)

	n.stats.record(slot, n.lastFlags.Count())

	if slot >= n.cfg.MaxSlots-2 || next == chaos.StateOff {
		n.offSlot = slot
	}

	txPkt.Marshal(tx)
	return next
}

// leaderRoundStart repopulates the transmit buffer from the leader state at
// the start of a round: a first-time leader seeds its PREPARE, a continuing
// leader re-emits its current phase, writing fresh values if the previous
// batch got its majority.
func (n *Node) leaderRoundStart(txPkt *Packet) {
	copy(txPkt.Flags, n.template)
	txPkt.Ballot = n.leader.proposedBallot
	txPkt.Round = n.leader.currentRound
	if n.leader.phase == paxos.PhaseInit {
		n.leader.phase = paxos.PhasePrepare
		txPkt.Phase = paxos.PhasePrepare
		txPkt.MaxHeardRound = txPkt.Round
		n.acceptor.minProposal = n.leader.proposedBallot
	} else {
		txPkt.Phase = n.leader.phase
		// The transmit buffer starts a round zeroed, so an ACCEPT batch in
		// flight must be repopulated from the leader state.
		if n.leader.phase == paxos.PhaseAccept {
			for i := 0; i < BatchSize; i++ {
				txPkt.Values[i] = n.leader.proposedValues[i]
				txPkt.Proposals[i] = 0
			}
		}
	}
	n.leader.gotMajority = false
}

func (n *Node) clearAggregation() {
	n.rxMinProposal = 0
	n.rxMaxHeardRound = 0
	for i := 0; i < BatchSize; i++ {
		n.rxAcceptedProposals[i] = 0
		n.rxAcceptedValues[i] = 0
	}
}

// acceptorPrepare applies acceptor logic for a PREPARE packet: raise the
// min proposal, report the highest decree ever participated in, and report
// previously accepted ballots and values for every decree in the batch.
func (n *Node) acceptorPrepare(payload, txPkt *Packet) bool {
	if payload.Ballot > n.acceptor.minProposal {
		n.acceptor.minProposal = payload.Ballot
	}
	if payload.MaxHeardRound > n.rxMaxHeardRound {
		n.rxMaxHeardRound = payload.MaxHeardRound
	}
	if n.acceptor.lastRoundParticipation > n.rxMaxHeardRound {
		n.rxMaxHeardRound = n.acceptor.lastRoundParticipation
	}
	txPkt.MaxHeardRound = n.rxMaxHeardRound

	changed := false
	for i := 0; i < BatchSize; i++ {
		decree := payload.Round + uint16(i)
		if decree <= n.acceptor.lastRoundParticipation &&
			n.acceptor.acceptedProposals[int(decree)%LogSize] > n.rxAcceptedProposals[i] {
			n.rxAcceptedProposals[i] = n.acceptor.acceptedProposals[int(decree)%LogSize]
			n.rxAcceptedValues[i] = n.acceptor.acceptedValues[int(decree)%LogSize]
		}
		if payload.Proposals[i] < n.rxAcceptedProposals[i] {
			txPkt.Proposals[i] = n.rxAcceptedProposals[i]
			txPkt.Values[i] = n.rxAcceptedValues[i]
			changed = true
		} else {
			n.rxAcceptedProposals[i] = payload.Proposals[i]
			n.rxAcceptedValues[i] = payload.Values[i]
		}
	}
	return changed
}

// acceptorAccept applies acceptor logic for an ACCEPT packet: zero any log
// entries skipped since the last participation, accept the batch, and
// aggregate the highest min proposal heard.
func (n *Node) acceptorAccept(payload, txPkt *Packet) bool {
	if payload.Ballot >= n.acceptor.minProposal {
		// Catch up over missed batches: stale ring entries between the
		// last participation and this batch must not be reported later.
		for d := payload.Round; d > n.acceptor.lastRoundParticipation; d-- {
			n.acceptor.acceptedProposals[int(d)%LogSize] = 0
			n.acceptor.acceptedValues[int(d)%LogSize] = 0
		}
		n.acceptor.minProposal = payload.Ballot
		for i := 0; i < BatchSize; i++ {
			idx := int(payload.Round+uint16(i)) % LogSize
			n.acceptor.acceptedProposals[idx] = n.acceptor.minProposal
			n.acceptor.acceptedValues[idx] = payload.Values[i]
		}
		if last := payload.Round + BatchSize - 1; last > n.acceptor.lastRoundParticipation {
			n.acceptor.lastRoundParticipation = last
		}
	}

	if n.acceptor.minProposal > n.rxMinProposal {
		n.rxMinProposal = n.acceptor.minProposal
	}
	if payload.Proposals[0] > n.rxMinProposal {
		n.rxMinProposal = payload.Proposals[0]
	}
	if payload.Proposals[0] < n.rxMinProposal {
		txPkt.Proposals[0] = n.rxMinProposal
		return true
	}
	return false
}

// leaderStep runs the leader logic against the already-aggregated reception
// of this slot. It reports whether the transmit buffer was rewritten for a
// phase transition.
func (n *Node) leaderStep(payload, txPkt *Packet) bool {
	lost := false
	// 1 = bounce from ACCEPT back to PREPARE for a higher window
	// (iterative Prepare), 2 = advance from PREPARE to ACCEPT.
	updatePhase := 0

	if payload.Ballot == n.leader.proposedBallot {
		if payload.Phase == n.leader.phase && payload.Round == n.leader.currentRound {
			if n.leader.phase == paxos.PhasePrepare {
				// Walk the batch from the highest slot downward so gaps
				// below a reported value are filled with NO_OP.
				limit := BatchSize - 1
				if payload.MaxHeardRound >= payload.Round {
					if d := int(payload.MaxHeardRound) - int(payload.Round); d < limit {
						limit = d
					}
				}
				anyValue := false
				for i := limit; i >= 0; i-- {
					if n.rxAcceptedProposals[i] > n.leader.proposedBallot {
						lost = true
					}
					if !n.rxAcceptedProposals[i].IsZero() {
						n.leader.proposedValues[i] = n.rxAcceptedValues[i]
						anyValue = true
					} else if anyValue {
						n.leader.proposedValues[i] = NoOp
					}
				}
				// An acceptor participated beyond what this window can
				// carry: another Prepare is needed before proposing fresh
				// values.
				n.leader.doAnotherPhase1 = int(payload.MaxHeardRound) > int(payload.Round)+BatchSize-1

				if !lost && n.nReplies > n.cfg.Majority() {
					n.leader.phase = paxos.PhaseAccept
					updatePhase = 2
				}
			} else if n.leader.phase == paxos.PhaseAccept {
				if n.rxMinProposal > n.leader.proposedBallot {
					lost = true
				}
				if !lost && n.nReplies > n.cfg.Majority() && !n.leader.gotMajority {
					n.leader.gotMajority = true
					n.leader.currentRound += BatchSize
					if n.leader.doAnotherPhase1 {
						n.leader.phase = paxos.PhasePrepare
						updatePhase = 1
					}
				}
			}
			if txPkt.Phase != n.leader.phase {
				// transmit the phase change
				n.txPending = true
			}
		} else {
			// Our ballot at an older phase or round: propagate.
			n.txPending = true
		}
	} else if payload.Ballot > n.leader.proposedBallot && !n.leader.gotMajority {
		lost = true
	} else {
		// Smaller ballot: answer with our own.
		n.txPending = true
	}

	if lost {
		// Another leader with a higher ballot owns the log now.
		n.leader.isLeader = false
	}

	if updatePhase != 0 {
		txPkt.Ballot = n.leader.proposedBallot
		txPkt.Phase = n.leader.phase
		n.clearAggregation()
		if updatePhase == 1 {
			txPkt.Round = n.leader.currentRound
			txPkt.MaxHeardRound = txPkt.Round
			for i := 0; i < BatchSize; i++ {
				txPkt.Values[i] = 0
				n.leader.proposedValues[i] = 0
				txPkt.Proposals[i] = 0
			}
		} else {
			txPkt.Proposals[0] = 0
			for i := 0; i < BatchSize; i++ {
				txPkt.Values[i] = n.leader.proposedValues[i]
			}
		}
		n.leader.gotMajority = false
		copy(txPkt.Flags, n.template)
		n.txPending = true
		return true
	}
	return false
}

// nextRadioState decides what the radio does next slot.
func (n *Node) nextRadioState(current chaos.State, txrxOK, rxDelta bool, txPkt *Packet) chaos.State {
	next := chaos.StateRX

	switch {
	case n.cfg.Initiator && current == chaos.StateInit:
		next = chaos.StateTX
		n.gotValidRx = true
		if n.leader.isLeader {
			n.leaderRoundStart(txPkt)
			n.txPending = true
		}
	case current == chaos.StateRX && txrxOK:
		n.invalidRxCount = 0
		if n.txPending {
			next = chaos.StateTX
			if n.complete {
				if rxDelta {
					n.txCountComplete = 0
				} else {
					n.txCountComplete++
				}
			}
		}
	case current == chaos.StateRX && !txrxOK && n.gotValidRx:
		n.invalidRxCount++
		if n.invalidRxCount > n.restartThreshold {
			next = chaos.StateTX
			n.invalidRxCount = 0
			if n.complete {
				n.txCountComplete++
			}
			n.restartThreshold = n.cfg.RestartThreshold()
		}
	case current == chaos.StateTX && !txrxOK:
		// Missed the transmit window: retry.
		n.gotValidRx = true
		next = chaos.StateTX
	case current == chaos.StateTX && n.txCountComplete > n.cfg.TxCompleteLimit:
		next = chaos.StateOff
	}

	if n.cfg.FailureRate > 0 && n.cfg.Rand() < chaos.RandomMax/n.cfg.FailureRate {
		next = chaos.StateOff
	}
	return next
}

// SetInitialLeaderState seeds the leader role the first time this node
// becomes leader: the ballot carries the node's own id and a counter high
// enough to exceed the min proposal the local acceptor has promised, and the
// batch window starts at the first decree not known to be chosen, moved
// forward when needed so the window ends at the highest decree the acceptor
// has participated in.
func (n *Node) SetInitialLeaderState() {
	n.leader.isLeader = true
	ballotRound := n.leader.proposedBallot.Counter()
	if ballotRound < 1 {
		ballotRound = 1
	}
	if paxos.NewBallot(ballotRound, uint8(n.cfg.NodeIndex)) <= n.acceptor.minProposal {
		ballotRound = n.acceptor.minProposal.Counter() + 1
	}
	n.leader.proposedBallot = paxos.NewBallot(ballotRound, uint8(n.cfg.NodeIndex))
	n.leader.currentRound = n.learner.lastRound + 1
	if n.acceptor.lastRoundParticipation > 0 {
		if start := n.acceptor.lastRoundParticipation - BatchSize + 1; start > n.leader.currentRound {
			n.leader.currentRound = start
		}
	}
	n.notHeardFromLeader = 0
}

// SetLeaderValues installs fresh application values for the next batch. If
// the previous batch did not reach a majority the pending values are kept
// and re-proposed.
func (n *Node) SetLeaderValues(values [BatchSize]paxos.Value) {
	if n.LeaderGotMajority() {
		n.leader.proposedValues = values
	}
}

// ReplayLastConsensus rewinds the leader to the previous batch so the
// agreed values are proposed, and adopted, again.
func (n *Node) ReplayLastConsensus() {
	if n.LeaderGotMajority() {
		n.leader.phase = paxos.PhasePrepare
		n.leader.currentRound -= BatchSize
		n.leader.gotMajority = false
	}
}

// FinishRound reports the outcome of the round: whether a batch was chosen,
// the chosen values, and the final participation flags.
func (n *Node) FinishRound() (bool, [BatchSize]paxos.Value, chaos.Flags) {
	var learned [BatchSize]paxos.Value
	if n.valuesChosen {
		for i := 0; i < BatchSize; i++ {
			idx := int(n.learner.lastRound-BatchSize+1+uint16(i)) % LogSize
			learned[i] = n.learner.learnedValues[idx]
		}
	}
	copy(n.report.Flags, n.lastFlags)
	n.stats.snapshotLog(n.acceptor.acceptedValues)
	return n.valuesChosen, learned, n.lastFlags.Clone()
}

// CompletionSlot returns the slot at which all flags were first seen set,
// or zero if the round never completed.
func (n *Node) CompletionSlot() uint16 { return n.completionSlot }

// OffSlot returns the slot at which the node stopped participating.
func (n *Node) OffSlot() uint16 { return n.offSlot }

// ValuesChosen reports whether this node learned chosen values this round.
func (n *Node) ValuesChosen() bool { return n.valuesChosen }

// IsLeader reports whether this node currently holds the leader role.
func (n *Node) IsLeader() bool { return n.leader.isLeader }

// LeaderGotMajority reports whether this node, as leader, saw a majority of
// accept replies for its current batch.
func (n *Node) LeaderGotMajority() bool {
	return n.leader.isLeader && n.leader.gotMajority && n.leader.phase == paxos.PhaseAccept
}

// GotNetworkWideConsensus reports whether this node, as leader, saw every
// node's flag set during ACCEPT.
func (n *Node) GotNetworkWideConsensus() bool {
	return n.leader.isLeader && n.completionSlot > 0
}

// LastLearnedRound returns the highest decree this node knows to be chosen.
func (n *Node) LastLearnedRound() uint16 { return n.learner.lastRound }

// LearnedValue returns the chosen value for the given decree, if it is
// still within the learner's ring.
func (n *Node) LearnedValue(decree uint16) paxos.Value {
	return n.learner.learnedValues[int(decree)%LogSize]
}

// Report returns the local packet snapshot of the last slot.
func (n *Node) Report() *Packet { return &n.report }

// Stats returns the per-slot statistics of the last round.
func (n *Node) Stats() *Stats { return &n.stats }

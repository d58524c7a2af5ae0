package paxos

import "wirelesspaxos/chaos"

// proposerState is the role state of a node competing to get a value chosen.
type proposerState struct {
	proposedBallot    Ballot
	proposedValue     Value
	isProposer        bool
	phase             Phase
	gotMajority       bool
	gotMajorityAtSlot uint16
	loserTimeout      int
}

// acceptorState persists across rounds until an explicit Reset. The
// invariant acceptedProposal <= minProposal holds at all times, and neither
// ballot is ever lowered within a round.
type acceptorState struct {
	minProposal      Ballot
	acceptedProposal Ballot
	acceptedValue    Value
}

// learnerState holds the value this node has derived as chosen.
type learnerState struct {
	learnedValue Value
}

// Node is one participant's Wireless Paxos state machine. Every node acts
// as an acceptor; proposers additionally run proposer logic after the
// acceptor logic on each slot. A Node is owned by its round driver and must
// only be used from a single goroutine.
type Node struct {
	cfg *chaos.Config

	proposer proposerState
	acceptor acceptorState
	learner  learnerState

	// Per-phase aggregation, cleared whenever a new (ballot, phase) pair is
	// adopted. rxMinProposal is the highest min proposal heard during
	// ACCEPT; rxAcceptedProposal/rxAcceptedValue roll up the highest
	// accepted proposal heard during PREPARE.
	rxMinProposal      Ballot
	rxAcceptedProposal Ballot
	rxAcceptedValue    Value

	// Slot-local round bookkeeping.
	txPending        bool
	complete         bool
	completionSlot   uint16
	offSlot          uint16
	txCountComplete  int
	invalidRxCount   int
	gotValidRx       bool
	nReplies         int
	valueChosen      bool
	restartThreshold int

	// template holds only this node's own flag bit; it seeds the flag set
	// after every phase transition.
	template chaos.Flags
	// lastFlags mirrors the transmit buffer's flag set, for reporting.
	lastFlags chaos.Flags
	// report is the local result snapshot taken at completion.
	report Packet

	stats Stats

	txPkt Packet
	rxPkt Packet
}

// NewNode creates a Wireless Paxos node for the given network configuration.
func NewNode(cfg *chaos.Config) *Node {
	n := &Node{
		cfg:       cfg,
		template:  chaos.NewFlags(cfg.NodeCount),
		lastFlags: chaos.NewFlags(cfg.NodeCount),
	}
	n.report.Flags = chaos.NewFlags(cfg.NodeCount)
	n.txPkt.Flags = chaos.NewFlags(cfg.NodeCount)
	n.rxPkt.Flags = chaos.NewFlags(cfg.NodeCount)
	return n
}

// BeginRound arms the node for a new Synchrotron round and returns the
// initial transmit payload to hand to the scheduler. If isProposer is set
// and the node was not already a proposer, a fresh proposer is created with
// ballot (1, node index) and the given value.
func (n *Node) BeginRound(round uint16, isProposer bool, value Value) []byte {
	n.offSlot = n.cfg.MaxSlots
	n.txPending = false
	n.gotValidRx = false
	n.nReplies = 0
	n.complete = false
	n.completionSlot = 0
	n.txCountComplete = 0
	n.invalidRxCount = 0
	n.valueChosen = false
	n.restartThreshold = n.cfg.RestartThreshold()
	n.stats.reset(int(n.cfg.MaxSlots))

	if isProposer {
		if !n.proposer.isProposer {
			n.proposer = proposerState{
				isProposer:     true,
				phase:          PhaseInit,
				proposedBallot: NewBallot(1, uint8(n.cfg.NodeIndex)),
				proposedValue:  value,
			}
		} else if n.proposer.phase == PhaseInit {
			n.proposer.proposedValue = value
		}
		n.report.Value = n.proposer.proposedValue
	}

	n.template.Clear()
	n.template.Set(n.cfg.NodeIndex)
	n.lastFlags.Set(n.cfg.NodeIndex)

	payload := make([]byte, PayloadLength(n.cfg.NodeCount))
	initial := Packet{Flags: n.lastFlags}
	initial.CopyHeader(&n.report)
	initial.Marshal(payload)
	return payload
}

// Process is the per-slot state update. It implements the acceptor,
// proposer, learner and radio-scheduling logic for one slot and returns the
// node's next radio state.
func (n *Node) Process(round, slot uint16, current chaos.State, txrxOK bool, rx, tx []byte) chaos.State {
	txPkt := &n.txPkt
	txPkt.Unmarshal(tx)

	// The payload under consideration is the reception if we listened, or
	// our own transmission if we transmitted: a proposer reading back its
	// own packet runs its proposer logic against the flags it set itself.
	var payload *Packet
	if current == chaos.StateTX {
		payload = txPkt
	} else if rx != nil {
		n.rxPkt.Unmarshal(rx)
		payload = &n.rxPkt
	}

	rxDelta := false
	n.txPending = false

	if txrxOK && payload != nil &&
		(current == chaos.StateRX || (current == chaos.StateTX && n.proposer.isProposer)) {
		n.gotValidRx = true
		n.nReplies = 0

		if payload.Phase == PhaseInit && n.acceptor.minProposal.IsZero() {
			// Heartbeat from the initiator; no Paxos instance seen yet.
			if n.proposer.isProposer {
				if n.proposer.phase == PhaseInit {
					n.startPrepare(txPkt)
				}
				n.txPending = true
				rxDelta = true
			} else {
				txPkt.CopyHeader(payload)
				delta := txPkt.Flags.Merge(payload.Flags)
				n.txPending = delta
				rxDelta = delta
				if txPkt.Flags.Complete(n.cfg.NodeCount) {
					n.complete = true
				}
			}
		} else {
			// Latest-writer-wins ordering: merge only packets carrying the
			// current ballot at the current or newer phase, or any higher
			// ballot. Older packets are discarded and answered with our own
			// state.
			if payload.Ballot > txPkt.Ballot ||
				(payload.Ballot == txPkt.Ballot && payload.Phase >= txPkt.Phase) {
				newPhase := !(payload.Ballot == txPkt.Ballot && payload.Phase == txPkt.Phase)
				if newPhase {
					// Adopting a new (ballot, phase) discards our own
					// prior-phase participation record and aggregation.
					txPkt.CopyFrom(payload)
					n.rxAcceptedProposal = 0
					n.rxAcceptedValue = 0
					n.rxMinProposal = 0
				}

				switch payload.Phase {
				case PhasePrepare:
					if n.acceptorPrepare(payload, txPkt) {
						n.txPending = true
						rxDelta = true
					}
				case PhaseAccept:
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

				// Non-proposers that already see a majority under PREPARE
				// damp their transmission rate, handing the floor to the
				// proposer so it can move to ACCEPT sooner.
				if half := n.cfg.Majority(); half > 0 && !n.proposer.isProposer &&
					payload.Phase == PhasePrepare && n.nReplies > half && n.txPending {
					n.txPending = n.cfg.Rand()%uint32(half) == 0
				}

				// Quorum read: a majority of flags under an ACCEPT packet
				// whose ballot equals its reported proposal means the
				// carried value is chosen.
				if payload.Phase == PhaseAccept && payload.Ballot == payload.Proposal &&
					n.nReplies > n.cfg.Majority() {
					n.learner.learnedValue = payload.Value
					n.valueChosen = true
				}

				if payload.Phase == PhaseAccept && txPkt.Flags.Complete(n.cfg.NodeCount) {
					if !n.complete {
						n.completionSlot = slot
						n.complete = true
					}
					n.txPending = true
				}
			} else {
				// Old ballot or old phase: teach the sender.
				n.txPending = true
			}

			if n.proposer.isProposer && !n.proposer.gotMajority {
				if n.proposerStep(payload, txPkt, slot) {
					rxDelta = true
				}
			}
		}
	}

	next := n.nextRadioState(current, txrxOK, rxDelta, txPkt)

	if n.complete || slot >= n.cfg.MaxSlots-1 {
		n.report.Value = n.acceptor.acceptedValue
		n.report.Proposal = n.acceptor.acceptedProposal
		n.report.Ballot = n.acceptor.minProposal
		n.report.Phase = txPkt.Phase
		if !n.proposer.isProposer {
			n.proposer.phase = txPkt.Phase
		}
	}
	copy(n.lastFlags, txPkt.Flags)

	n.stats.record(slot, n.lastFlags.Count(), n.acceptor)

	if slot >= n.cfg.MaxSlots-2 || next == chaos.StateOff {
		n.offSlot = slot
	}

	txPkt.Marshal(tx)
	return next
}

// startPrepare seeds the first PREPARE of this proposer into the transmit
// buffer. The local acceptor adopts the ballot immediately.
func (n *Node) startPrepare(txPkt *Packet) {
	n.proposer.phase = PhasePrepare
	txPkt.Ballot = n.proposer.proposedBallot
	txPkt.Phase = PhasePrepare
	copy(txPkt.Flags, n.template)
	n.acceptor.minProposal = n.proposer.proposedBallot
}

// acceptorPrepare applies acceptor logic for a PREPARE packet and reports
// whether the transmit buffer gained novel information.
func (n *Node) acceptorPrepare(payload, txPkt *Packet) bool {
	if payload.Ballot > n.acceptor.minProposal {
		n.acceptor.minProposal = payload.Ballot
	}
	// Roll up the highest accepted proposal heard so far, our own included,
	// and report it back in place of anything lower the packet carries.
	if n.acceptor.acceptedProposal > n.rxAcceptedProposal {
		n.rxAcceptedProposal = n.acceptor.acceptedProposal
		n.rxAcceptedValue = n.acceptor.acceptedValue
	}
	if payload.Proposal < n.rxAcceptedProposal {
		txPkt.Proposal = n.rxAcceptedProposal
		txPkt.Value = n.rxAcceptedValue
		return true
	}
	n.rxAcceptedProposal = payload.Proposal
	n.rxAcceptedValue = payload.Value
	return false
}

// acceptorAccept applies acceptor logic for an ACCEPT packet and reports
// whether the transmit buffer gained novel information.
func (n *Node) acceptorAccept(payload, txPkt *Packet) bool {
	if payload.Ballot >= n.acceptor.minProposal {
		n.acceptor.acceptedProposal = payload.Ballot
		n.acceptor.minProposal = payload.Ballot
		n.acceptor.acceptedValue = payload.Value
	}
	if n.acceptor.minProposal > n.rxMinProposal {
		n.rxMinProposal = n.acceptor.minProposal
	}
	if payload.Proposal > n.rxMinProposal {
		n.rxMinProposal = payload.Proposal
	}
	changed := false
	if txPkt.Proposal != n.rxMinProposal {
		txPkt.Proposal = n.rxMinProposal
		changed = true
	}
	// Carry our accepted ballot forward for any peer that missed it.
	if n.acceptor.acceptedProposal > n.rxAcceptedProposal {
		n.rxAcceptedProposal = n.acceptor.acceptedProposal
		n.rxAcceptedValue = n.acceptor.acceptedValue
	}
	return changed
}

// proposerStep runs the proposer logic against the already-aggregated
// reception of this slot. It reports whether the transmit buffer was
// rewritten for a phase transition.
func (n *Node) proposerStep(payload, txPkt *Packet, slot uint16) bool {
	lost := false
	updatePhase := false

	if n.proposer.loserTimeout > 0 {
		n.proposer.loserTimeout--
		if n.proposer.loserTimeout == 0 {
			// Backoff over: compete again with the bumped ballot.
			updatePhase = true
		}
	} else if payload.Ballot == n.proposer.proposedBallot {
		if payload.Phase == n.proposer.phase {
			if n.proposer.phase == PhasePrepare {
				// Adopt the highest reported accepted value (P2b).
				if !n.rxAcceptedProposal.IsZero() {
					n.proposer.proposedValue = n.rxAcceptedValue
				}
				if n.rxAcceptedProposal > n.proposer.proposedBallot {
					lost = true
				}
			} else if n.proposer.phase == PhaseAccept {
				if n.rxMinProposal > n.proposer.proposedBallot {
					lost = true
				}
			}

			n.nReplies = txPkt.Flags.Count()
			if !lost && n.nReplies > n.cfg.Majority() {
				if n.proposer.phase == PhasePrepare {
					n.proposer.phase = PhaseAccept
					updatePhase = true
				} else if n.proposer.phase == PhaseAccept && !n.proposer.gotMajority {
					n.proposer.gotMajority = true
					n.proposer.gotMajorityAtSlot = slot
				}
			}
			if n.proposer.phase == PhaseAccept && n.rxMinProposal > n.proposer.proposedBallot &&
				!n.proposer.gotMajority {
				lost = true
			}
		} else {
			// Our ballot at an older phase: propagate the newer state.
			n.txPending = true
		}
	} else if payload.Ballot > n.proposer.proposedBallot && !n.proposer.gotMajority {
		lost = true
	} else {
		// Smaller ballot circulating: answer with our own, and start the
		// instance if we had not yet.
		n.txPending = true
		if n.proposer.phase == PhaseInit {
			n.startPrepare(txPkt)
		}
	}

	if lost {
		n.proposer.proposedBallot = n.proposer.proposedBallot.Next()
		if !n.rxAcceptedProposal.IsZero() {
			n.proposer.proposedValue = n.rxAcceptedValue
		}
		n.proposer.phase = PhasePrepare
		n.proposer.gotMajority = false
		// Sit out the rest of the round before competing again.
		n.proposer.loserTimeout = int(n.cfg.MaxSlots) - 1
	}

	if updatePhase {
		txPkt.Ballot = n.proposer.proposedBallot
		txPkt.Phase = n.proposer.phase
		txPkt.Proposal = 0
		txPkt.Value = n.proposer.proposedValue
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
		// Counts as a valid reception so the retransmission heuristics arm.
		n.gotValidRx = true
		if n.proposer.isProposer && n.proposer.phase == PhaseInit {
			n.startPrepare(txPkt)
		}
	case n.txCountComplete > n.cfg.TxCompleteLimit:
		next = chaos.StateOff
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
	}

	if n.cfg.FailureRate > 0 && n.cfg.Rand() < chaos.RandomMax/n.cfg.FailureRate {
		next = chaos.StateOff
	}
	return next
}

// FinishRound reports the outcome of the round: whether this node learned a
// chosen value, the value, and the final participation flags.
func (n *Node) FinishRound() (bool, Value, chaos.Flags) {
	copy(n.report.Flags, n.lastFlags)
	return n.valueChosen, n.learner.learnedValue, n.lastFlags.Clone()
}

// Reset clears all consensus state so the node can run a fresh instance.
// The single-decree driver calls this between completed rounds; leaving it
// out lets an unfinished instance continue in the next round.
func (n *Node) Reset() {
	n.proposer = proposerState{}
	n.acceptor = acceptorState{}
	n.learner = learnerState{}
	n.rxMinProposal = 0
	n.rxAcceptedProposal = 0
	n.rxAcceptedValue = 0
	n.report.CopyHeader(&Packet{})
	n.report.Flags.Clear()
	n.lastFlags.Clear()
	n.txPkt.CopyHeader(&Packet{})
	n.txPkt.Flags.Clear()
}

// CompletionSlot returns the slot at which all flags were first seen set,
// or zero if the round never completed.
func (n *Node) CompletionSlot() uint16 { return n.completionSlot }

// OffSlot returns the slot at which the node stopped participating.
func (n *Node) OffSlot() uint16 { return n.offSlot }

// ValueChosen reports whether this node learned a chosen value this round.
func (n *Node) ValueChosen() bool { return n.valueChosen }

// LearnedValue returns the value this node learned, if any.
func (n *Node) LearnedValue() Value { return n.learner.learnedValue }

// ProposerGotMajority reports whether this node, as a proposer, saw a
// majority of accept replies.
func (n *Node) ProposerGotMajority() bool {
	return n.proposer.isProposer && n.proposer.gotMajority && n.proposer.phase == PhaseAccept
}

// GotNetworkWideConsensus reports whether this node, as a proposer, saw
// every node's flag set during ACCEPT.
func (n *Node) GotNetworkWideConsensus() bool {
	return n.proposer.isProposer && n.completionSlot > 0
}

// Report returns the local result snapshot taken at completion.
func (n *Node) Report() *Packet { return &n.report }

// Stats returns the per-slot statistics of the last round.
func (n *Node) Stats() *Stats { return &n.stats }

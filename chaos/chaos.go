package chaos

import "math/rand"

// State represents the radio state of a node for one Synchrotron slot.
type State uint8

const (
	// StateInit is the state handed to the very first slot of a round.
	StateInit State = iota
	// StateRX means the node listens during the slot.
	StateRX
	// StateTX means the node transmits during the slot.
	StateTX
	// StateOff means the node stops participating in the round.
	StateOff
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRX:
		return "RX"
	case StateTX:
		return "TX"
	case StateOff:
		return "OFF"
	}
	return "UNKNOWN"
}

// ProcessFunc is the per-slot callback invoked by a Synchrotron scheduler.
// current is the node's radio state during this slot, txrxOK reports whether
// the slot's transmission or reception succeeded, rx holds the received
// payload (valid only if txrxOK and current is StateRX) and tx is the node's
// transmit buffer for the next slot. The returned state tells the scheduler
// what the node does next; StateOff is terminal for the round. The callback
// must never block.
type ProcessFunc func(round, slot uint16, current State, txrxOK bool, rx, tx []byte) State

// RandFunc is a non-cryptographic random source, one draw per call.
type RandFunc func() uint32

// RandomMax is the largest value a RandFunc can return.
const RandomMax = ^uint32(0)

// NewRand returns a seeded RandFunc.
func NewRand(seed int64) RandFunc {
	r := rand.New(rand.NewSource(seed))
	return func() uint32 { return r.Uint32() }
}

// Default scheduling constants. Restart thresholds bound how many failed
// receptions a node tolerates before it re-initiates transmission, and
// TxCompleteLimit bounds how many times a node retransmits after completion.
const (
	DefaultRestartMin      = 4
	DefaultRestartMax      = 10
	DefaultTxCompleteLimit = 3
	DefaultMaxSlots        = 255
)

// Config describes one node's view of the Synchrotron network.
type Config struct {
	NodeCount       int    // total number of nodes N
	NodeIndex       int    // this node's unique index in [0, N)
	Initiator       bool   // exactly one node per network initiates rounds
	MaxSlots        uint16 // maximum slots per round
	RestartMin      int    // lower bound (inclusive) for the restart threshold
	RestartMax      int    // upper bound (exclusive) for the restart threshold
	TxCompleteLimit int    // retransmissions allowed after completion
	FailureRate     uint32 // crash injection: OFF with probability 1/FailureRate per slot, 0 disables
	Rand            RandFunc
}

// NewConfig creates a node configuration with default scheduling constants.
func NewConfig(nodeCount, nodeIndex int) *Config {
	return &Config{
		NodeCount:       nodeCount,
		NodeIndex:       nodeIndex,
		Initiator:       nodeIndex == 0,
		MaxSlots:        DefaultMaxSlots,
		RestartMin:      DefaultRestartMin,
		RestartMax:      DefaultRestartMax,
		TxCompleteLimit: DefaultTxCompleteLimit,
		Rand:            NewRand(int64(nodeIndex) + 1),
	}
}

// Majority returns the strict-majority threshold: more than Majority()
// participants constitute a quorum.
func (c *Config) Majority() int {
	return c.NodeCount / 2
}

// RestartThreshold draws a fresh randomized restart threshold in
// [RestartMin, RestartMax).
func (c *Config) RestartThreshold() int {
	span := c.RestartMax - c.RestartMin
	if span <= 0 {
		return c.RestartMin
	}
	return int(c.Rand()%uint32(span)) + c.RestartMin
}

package chaos

import "math/rand"

// Port binds one node's per-slot function to the shared channel. The port
// owns the node's transmit buffer; the per-slot function mutates it in place.
type Port struct {
	process ProcessFunc
	tx      []byte
	state   State
	off     bool
}

// NewPort creates a port with the given per-slot function and initial
// transmit payload.
func NewPort(fn ProcessFunc, initial []byte) *Port {
	tx := make([]byte, len(initial))
	copy(tx, initial)
	return &Port{process: fn, tx: tx, state: StateInit}
}

// Off reports whether the node has left the round.
func (p *Port) Off() bool { return p.off }

// Payload returns the node's current transmit buffer.
func (p *Port) Payload() []byte { return p.tx }

// Network emulates the single shared radio channel of a Synchrotron network
// in lock step: every attached port is driven through the same sequence of
// slots, transmissions share one medium, and concurrent transmissions are
// resolved by the capture effect.
type Network struct {
	payloadLen  int
	maxSlots    uint16
	loss        float64 // probability an otherwise good reception decodes as garbage
	captureProb float64 // probability one of several conflicting transmissions captures the receiver
	rand        *rand.Rand
}

// NewNetwork creates a lock-step network for payloads of payloadLen bytes
// and rounds of at most maxSlots slots.
func NewNetwork(payloadLen int, maxSlots uint16, seed int64) *Network {
	return &Network{
		payloadLen:  payloadLen,
		maxSlots:    maxSlots,
		captureProb: 0.5,
		rand:        rand.New(rand.NewSource(seed)),
	}
}

// SetLoss sets the per-reception garbage probability.
func (n *Network) SetLoss(p float64) { n.loss = p }

// SetCapture sets the probability that one of several conflicting
// transmissions is captured by receivers. Identical payloads always decode:
// concurrent transmissions of the same bytes interfere constructively.
func (n *Network) SetCapture(p float64) { n.captureProb = p }

// RunRound drives all ports through one Synchrotron round and returns the
// number of slots executed. A port that returns StateOff is not called
// again; the round ends when every port is off or the slot budget is spent.
func (n *Network) RunRound(round uint16, ports []*Port) uint16 {
	var slot uint16
	for slot = 0; slot < n.maxSlots; slot++ {
		// Resolve the channel for this slot.
		var transmitters []*Port
		for _, p := range ports {
			if !p.off && p.state == StateTX {
				transmitters = append(transmitters, p)
			}
		}
		var air []byte
		channelOK := false
		switch {
		case len(transmitters) == 1:
			air = transmitters[0].tx
			channelOK = true
		case len(transmitters) > 1:
			if identicalPayloads(transmitters) || n.rand.Float64() < n.captureProb {
				air = transmitters[n.rand.Intn(len(transmitters))].tx
				channelOK = true
			}
		}

		alive := 0
		for _, p := range ports {
			if p.off {
				continue
			}
			alive++
			var rx []byte
			ok := false
			switch p.state {
			case StateTX:
				ok = true
			case StateRX:
				if channelOK && n.rand.Float64() >= n.loss {
					rx = make([]byte, n.payloadLen)
					copy(rx, air)
					ok = true
				}
			}
			next := p.process(round, slot, p.state, ok, rx, p.tx)
			if next == StateOff {
				p.off = true
			}
			p.state = next
		}
		if alive == 0 {
			break
		}
	}
	return slot
}

func identicalPayloads(ports []*Port) bool {
	first := ports[0].tx
	for _, p := range ports[1:] {
		for i := range first {
			if p.tx[i] != first[i] {
				return false
			}
		}
	}
	return true
}

package udpnet

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"wirelesspaxos/chaos"
)

// frameHeaderLen prefixes every datagram with the round and slot numbers so
// receivers can align their slot counters to the initiator's pace.
const frameHeaderLen = 4

// Channel emulates the shared Synchrotron radio channel over UDP multicast,
// letting every node run as its own OS process on a LAN. It is an
// emulation: slot boundaries are paced by wall-clock timers seeded from the
// initiator's transmissions, not by radio hardware, and collisions appear
// as overlapping datagrams within one slot.
type Channel struct {
	conn       *net.UDPConn
	pconn      *ipv4.PacketConn
	group      *net.UDPAddr
	slotLen    time.Duration
	payloadLen int
	readBuf    []byte
}

// Dial joins the multicast group on the named interface (empty for the
// system default) and returns a channel pacing slots of slotLen.
func Dial(group, ifaceName string, slotLen time.Duration, payloadLen int) (*Channel, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast group %s: %v", group, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", group, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to find interface %s: %v", ifaceName, err)
		}
	}
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: addr.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %v", group, err)
	}
	// Our own transmissions must not come back as receptions.
	if err := pconn.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to disable multicast loopback: %v", err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to select multicast interface: %v", err)
		}
	}

	log.Printf("Joined multicast group %s (slot length %v)\n", group, slotLen)

	return &Channel{
		conn:       conn,
		pconn:      pconn,
		group:      addr,
		slotLen:    slotLen,
		payloadLen: payloadLen,
		readBuf:    make([]byte, frameHeaderLen+payloadLen+64),
	}, nil
}

// Close leaves the multicast group.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// RunRound drives one Synchrotron round over the channel: it invokes fn
// once per slot, transmits the node's payload whenever fn asks for TX, and
// hands received datagrams back as receptions. It returns the slot at which
// the node went off, or maxSlots if the budget ran out.
func (c *Channel) RunRound(round, maxSlots uint16, initial []byte, fn chaos.ProcessFunc) (uint16, error) {
	tx := make([]byte, c.payloadLen)
	copy(tx, initial)

	state := chaos.StateInit
	var slot uint16
	for slot = 0; slot < maxSlots; slot++ {
		slotEnd := time.Now().Add(c.slotLen)

		var rx []byte
		ok := false
		switch state {
		case chaos.StateTX:
			if err := c.send(round, slot, tx); err != nil {
				return slot, err
			}
			ok = true
		case chaos.StateRX:
			frameSlot, payload, got := c.receive(round, slotEnd)
			if got {
				ok = true
				rx = payload
				if frameSlot > slot {
					// The network is ahead of us; jump to its slot.
					slot = frameSlot
				}
			}
		}

		next := fn(round, slot, state, ok, rx, tx)
		if next == chaos.StateOff {
			return slot, nil
		}
		state = next

		if remaining := time.Until(slotEnd); remaining > 0 {
			time.Sleep(remaining)
		}
	}
	return slot, nil
}

// send transmits one framed payload to the group.
func (c *Channel) send(round, slot uint16, payload []byte) error {
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], round)
	binary.LittleEndian.PutUint16(frame[2:4], slot)
	copy(frame[frameHeaderLen:], payload)
	if _, err := c.conn.WriteToUDP(frame, c.group); err != nil {
		return fmt.Errorf("failed to transmit slot %d: %v", slot, err)
	}
	return nil
}

// receive waits until the slot deadline for a frame of the current round.
// A second frame arriving within the same slot is a collision and voids the
// reception, mirroring how concurrent radio transmissions decode as
// garbage unless captured.
func (c *Channel) receive(round uint16, deadline time.Time) (uint16, []byte, bool) {
	var (
		gotSlot  uint16
		payload  []byte
		got      bool
		collided bool
	)
	for {
		c.conn.SetReadDeadline(deadline)
		n, _, err := c.conn.ReadFromUDP(c.readBuf)
		if err != nil {
			return gotSlot, payload, got
		}
		if n < frameHeaderLen+c.payloadLen {
			continue
		}
		if binary.LittleEndian.Uint16(c.readBuf[0:2]) != round {
			continue
		}
		frameSlot := binary.LittleEndian.Uint16(c.readBuf[2:4])
		if (got || collided) && frameSlot == gotSlot {
			// Collision within the slot.
			got = false
			payload = nil
			collided = true
			continue
		}
		collided = false
		gotSlot = frameSlot
		payload = make([]byte, c.payloadLen)
		copy(payload, c.readBuf[frameHeaderLen:frameHeaderLen+c.payloadLen])
		got = true
	}
}

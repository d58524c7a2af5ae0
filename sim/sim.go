package sim

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"wirelesspaxos/chaos"
	"wirelesspaxos/monitor"
	"wirelesspaxos/multipaxos"
	"wirelesspaxos/paxos"
)

// Options configures a simulation run.
type Options struct {
	NodeCount        int
	Rounds           int
	MaxSlots         uint16
	Loss             float64 // per-reception garbage probability
	FailureRate      uint32  // per-slot crash injection, 0 disables
	Seed             int64
	LeaderIndex      int // node acting as proposer/leader; node 0 is always the initiator
	CrashLeaderAfter int // rounds after which the leader drops out, 0 = never
	Monitor          *monitor.Server
}

// RoundResult captures the network-wide outcome of one simulated round.
type RoundResult struct {
	Round          uint16
	Chosen         bool
	Values         []paxos.Value
	ChosenCount    int
	CompletionSlot uint16
	OffSlot        uint16
	FlagCounts     []int
	Leaders        []int
}

// Simulator runs Wireless Paxos or Wireless Multi-Paxos over the in-memory
// lock-step network.
type Simulator struct {
	opts  Options
	runID string
}

// New creates a simulator. Every run gets a fresh run ID so monitor streams
// from different runs can be told apart.
func New(opts Options) (*Simulator, error) {
	if opts.NodeCount < 2 {
		return nil, fmt.Errorf("failed to create simulator: need at least 2 nodes, got %d", opts.NodeCount)
	}
	if opts.MaxSlots == 0 {
		opts.MaxSlots = chaos.DefaultMaxSlots
	}
	if opts.Rounds == 0 {
		opts.Rounds = 1
	}
	return &Simulator{opts: opts, runID: uuid.New().String()}, nil
}

// RunID returns the unique identifier of this run.
func (s *Simulator) RunID() string { return s.runID }

func (s *Simulator) newConfig(index int) *chaos.Config {
	cfg := chaos.NewConfig(s.opts.NodeCount, index)
	cfg.MaxSlots = s.opts.MaxSlots
	cfg.FailureRate = s.opts.FailureRate
	cfg.Rand = chaos.NewRand(s.opts.Seed + int64(index) + 1)
	return cfg
}

// RunPaxos runs one single-decree Paxos instance per round. The proposer
// proposes a counter; the node state is reset between completed rounds so
// every round is a fresh instance, as the reference application does.
func (s *Simulator) RunPaxos() []RoundResult {
	log.Printf("Run %s: Wireless Paxos, %d nodes, %d rounds\n", s.runID, s.opts.NodeCount, s.opts.Rounds)

	nodes := make([]*paxos.Node, s.opts.NodeCount)
	for i := range nodes {
		nodes[i] = paxos.NewNode(s.newConfig(i))
	}
	net := chaos.NewNetwork(paxos.PayloadLength(s.opts.NodeCount), s.opts.MaxSlots, s.opts.Seed)
	net.SetLoss(s.opts.Loss)

	results := make([]RoundResult, 0, s.opts.Rounds)
	var value paxos.Value

	for r := 0; r < s.opts.Rounds; r++ {
		round := uint16(r)
		value++

		ports := make([]*chaos.Port, len(nodes))
		for i, node := range nodes {
			payload := node.BeginRound(round, i == s.opts.LeaderIndex, value)
			ports[i] = chaos.NewPort(node.Process, payload)
		}
		net.RunRound(round, ports)

		result := RoundResult{Round: round, Values: []paxos.Value{0}}
		for i, node := range nodes {
			chosen, learned, flags := node.FinishRound()
			if chosen {
				result.Chosen = true
				result.ChosenCount++
				result.Values[0] = learned
			}
			result.FlagCounts = append(result.FlagCounts, flags.Count())
			if i == s.opts.LeaderIndex {
				result.CompletionSlot = node.CompletionSlot()
				result.OffSlot = node.OffSlot()
			}
		}
		s.logAndReport("paxos", &result)
		results = append(results, result)

		// Start a fresh instance next round once everyone has the value.
		for _, node := range nodes {
			if node.CompletionSlot() > 0 {
				node.Reset()
			}
		}
	}
	return results
}

// RunMultiPaxos runs one Multi-Paxos batch per round. The leader proposes
// stepped counters; acceptor and learner logs accumulate across rounds.
func (s *Simulator) RunMultiPaxos() []RoundResult {
	log.Printf("Run %s: Wireless Multi-Paxos, %d nodes, %d rounds\n", s.runID, s.opts.NodeCount, s.opts.Rounds)

	nodes := make([]*multipaxos.Node, s.opts.NodeCount)
	for i := range nodes {
		nodes[i] = multipaxos.NewNode(s.newConfig(i))
	}
	net := chaos.NewNetwork(multipaxos.PayloadLength(s.opts.NodeCount), s.opts.MaxSlots, s.opts.Seed)
	net.SetLoss(s.opts.Loss)

	results := make([]RoundResult, 0, s.opts.Rounds)
	var lastChosen [multipaxos.BatchSize]paxos.Value

	for r := 0; r < s.opts.Rounds; r++ {
		round := uint16(r)
		crashed := s.opts.CrashLeaderAfter > 0 && r >= s.opts.CrashLeaderAfter

		var values [multipaxos.BatchSize]paxos.Value
		for i := range values {
			values[i] = lastChosen[i] + paxos.Value(i) + 1
		}

		ports := make([]*chaos.Port, 0, len(nodes))
		active := make([]*multipaxos.Node, 0, len(nodes))
		for i, node := range nodes {
			if crashed && i == s.opts.LeaderIndex {
				continue
			}
			payload := node.BeginRound(round, i == s.opts.LeaderIndex && !crashed, values)
			ports = append(ports, chaos.NewPort(node.Process, payload))
			active = append(active, node)
		}
		net.RunRound(round, ports)

		result := RoundResult{Round: round, Values: make([]paxos.Value, multipaxos.BatchSize)}
		for _, node := range active {
			chosen, learned, flags := node.FinishRound()
			if chosen {
				result.Chosen = true
				result.ChosenCount++
				for i, v := range learned {
					result.Values[i] = v
				}
			}
			result.FlagCounts = append(result.FlagCounts, flags.Count())
			if node.IsLeader() {
				result.CompletionSlot = node.CompletionSlot()
				result.OffSlot = node.OffSlot()
			}
		}
		for i, node := range nodes {
			if node.IsLeader() && !(crashed && i == s.opts.LeaderIndex) {
				result.Leaders = append(result.Leaders, i)
			}
		}
		if result.Chosen {
			copy(lastChosen[:], result.Values)
		}
		s.logAndReport("multipaxos", &result)
		results = append(results, result)
	}
	return results
}

func (s *Simulator) logAndReport(protocol string, result *RoundResult) {
	if result.Chosen {
		log.Printf("[round %d] %s: chosen values %v on %d/%d nodes (completion slot %d)\n",
			result.Round, protocol, result.Values, result.ChosenCount, s.opts.NodeCount, result.CompletionSlot)
	} else {
		log.Printf("[round %d] %s: no values chosen\n", result.Round, protocol)
	}

	if s.opts.Monitor == nil {
		return
	}
	values := make([]uint8, len(result.Values))
	for i, v := range result.Values {
		values[i] = uint8(v)
	}
	s.opts.Monitor.Broadcast(monitor.RoundReport{
		RunID:          s.runID,
		Protocol:       protocol,
		Round:          result.Round,
		Chosen:         result.Chosen,
		Values:         values,
		CompletionSlot: result.CompletionSlot,
		OffSlot:        result.OffSlot,
		FlagCounts:     result.FlagCounts,
		Leaders:        result.Leaders,
	})
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wirelesspaxos/monitor"
	"wirelesspaxos/sim"
)

var (
	multipaxosNodes   int
	multipaxosRounds  int
	multipaxosLoss    float64
	multipaxosSeed    int64
	multipaxosLeader  int
	multipaxosCrash   int
	multipaxosMonitor string
)

// multipaxosCmd runs batched Multi-Paxos rounds on the in-memory network.
var multipaxosCmd = &cobra.Command{
	Use:   "multipaxos",
	Short: "Simulate Wireless Multi-Paxos rounds",
	Run: func(cmd *cobra.Command, args []string) {
		opts := sim.Options{
			NodeCount:        multipaxosNodes,
			Rounds:           multipaxosRounds,
			Loss:             multipaxosLoss,
			Seed:             multipaxosSeed,
			LeaderIndex:      multipaxosLeader,
			CrashLeaderAfter: multipaxosCrash,
		}
		if multipaxosMonitor != "" {
			mon := monitor.NewServer(multipaxosMonitor)
			mon.Start()
			opts.Monitor = mon
		}
		s, err := sim.New(opts)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		s.RunMultiPaxos()
	},
}

func init() {
	rootCmd.AddCommand(multipaxosCmd)

	multipaxosCmd.Flags().IntVar(&multipaxosNodes, "nodes", 5, "Number of nodes in the network")
	multipaxosCmd.Flags().IntVar(&multipaxosRounds, "rounds", 10, "Number of Synchrotron rounds to run")
	multipaxosCmd.Flags().Float64Var(&multipaxosLoss, "loss", 0, "Per-reception loss probability")
	multipaxosCmd.Flags().Int64Var(&multipaxosSeed, "seed", 1, "Random seed")
	multipaxosCmd.Flags().IntVar(&multipaxosLeader, "leader", 0, "Index of the node acting as leader")
	multipaxosCmd.Flags().IntVar(&multipaxosCrash, "crash-leader-after", 0, "Crash the leader after this many rounds (0 = never)")
	multipaxosCmd.Flags().StringVar(&multipaxosMonitor, "monitor", "", "Address to serve the WebSocket monitor on (empty to disable)")
}

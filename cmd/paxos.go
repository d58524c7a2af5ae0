package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wirelesspaxos/monitor"
	"wirelesspaxos/sim"
)

var (
	paxosNodes   int
	paxosRounds  int
	paxosLoss    float64
	paxosSeed    int64
	paxosMonitor string
)

// paxosCmd runs single-decree Wireless Paxos rounds on the in-memory network.
var paxosCmd = &cobra.Command{
	Use:   "paxos",
	Short: "Simulate Wireless Paxos rounds",
	Run: func(cmd *cobra.Command, args []string) {
		opts := sim.Options{
			NodeCount: paxosNodes,
			Rounds:    paxosRounds,
			Loss:      paxosLoss,
			Seed:      paxosSeed,
		}
		if paxosMonitor != "" {
			mon := monitor.NewServer(paxosMonitor)
			mon.Start()
			opts.Monitor = mon
		}
		s, err := sim.New(opts)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		s.RunPaxos()
	},
}

func init() {
	rootCmd.AddCommand(paxosCmd)

	paxosCmd.Flags().IntVar(&paxosNodes, "nodes", 5, "Number of nodes in the network")
	paxosCmd.Flags().IntVar(&paxosRounds, "rounds", 10, "Number of Synchrotron rounds to run")
	paxosCmd.Flags().Float64Var(&paxosLoss, "loss", 0, "Per-reception loss probability")
	paxosCmd.Flags().Int64Var(&paxosSeed, "seed", 1, "Random seed")
	paxosCmd.Flags().StringVar(&paxosMonitor, "monitor", "", "Address to serve the WebSocket monitor on (empty to disable)")
}

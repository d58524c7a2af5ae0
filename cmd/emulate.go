package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"wirelesspaxos/chaos"
	"wirelesspaxos/paxos"
	"wirelesspaxos/udpnet"
)

var (
	emulateGroup    string
	emulateIface    string
	emulateNodes    int
	emulateIndex    int
	emulateRounds   int
	emulateProposer bool
	emulateSlotLen  time.Duration
)

// emulateCmd runs one Wireless Paxos node as its own process, sharing the
// radio channel with its peers over UDP multicast. Start one process per
// node; node 0 is the Synchrotron initiator.
var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run one Wireless Paxos node over UDP multicast",
	Run: func(cmd *cobra.Command, args []string) {
		payloadLen := paxos.PayloadLength(emulateNodes)
		channel, err := udpnet.Dial(emulateGroup, emulateIface, emulateSlotLen, payloadLen)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		defer channel.Close()

		cfg := chaos.NewConfig(emulateNodes, emulateIndex)
		node := paxos.NewNode(cfg)

		var value paxos.Value
		for r := 0; r < emulateRounds; r++ {
			round := uint16(r)
			value++
			initial := node.BeginRound(round, emulateProposer, value)
			offSlot, err := channel.RunRound(round, cfg.MaxSlots, initial, node.Process)
			if err != nil {
				fmt.Println("Error:", err)
				return
			}
			chosen, learned, flags := node.FinishRound()
			if chosen {
				log.Printf("[node %d] round %d: chosen value %d (off slot %d, %d flags)\n",
					emulateIndex, round, learned, offSlot, flags.Count())
			} else {
				log.Printf("[node %d] round %d: no value chosen\n", emulateIndex, round)
			}
			if node.CompletionSlot() > 0 {
				node.Reset()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(emulateCmd)

	emulateCmd.Flags().StringVar(&emulateGroup, "group", "239.7.7.7:7777", "Multicast group address")
	emulateCmd.Flags().StringVar(&emulateIface, "iface", "", "Network interface to use (empty for default)")
	emulateCmd.Flags().IntVar(&emulateNodes, "nodes", 5, "Number of nodes in the network")
	emulateCmd.Flags().IntVar(&emulateIndex, "index", 0, "This node's index; node 0 initiates rounds")
	emulateCmd.Flags().IntVar(&emulateRounds, "rounds", 10, "Number of Synchrotron rounds to run")
	emulateCmd.Flags().BoolVar(&emulateProposer, "proposer", false, "Act as the Paxos proposer")
	emulateCmd.Flags().DurationVar(&emulateSlotLen, "slot-len", 20*time.Millisecond, "Slot length")
}

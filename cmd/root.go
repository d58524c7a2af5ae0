package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wirelesspaxos",
	Short: "Wireless Paxos consensus tools",
	Long:  `Simulation and emulation tools for Wireless Paxos and Wireless Multi-Paxos over a Synchrotron flooding network`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Package cli implements the stormguard command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "stormguard",
	Short: "Governed supply-chain response pipeline",
	Long: "Turns a disruption event into an executable response plan through five\n" +
		"reasoning stages, with a policy gate between recommendation and commitment:\n" +
		"large spend, steep price changes and unvetted vendors wait for a human.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Address of a running stormguard server (default http://127.0.0.1:8085)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/client"
)

var cancelReason string

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Why the run is being cancelled")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Abort a non-terminal run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverAddr)
		if err := c.Cancel(context.Background(), args[0], cancelReason); err != nil {
			return err
		}
		fmt.Printf("%s: cancelled\n", args[0])
		return nil
	},
}

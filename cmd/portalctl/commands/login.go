package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Logs in and out again to check the configured credentials.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client, logout := connect(cmd.Context())
		defer logout()

		fmt.Printf("logged in as staff %s (session %s)\n", client.StaffID(), client.SessionID())
	},
}

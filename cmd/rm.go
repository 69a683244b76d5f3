package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <id> [id...]",
	Short: "Cancel downloads and remove their files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := apiCall("DELETE", "/downloads/"+id, nil, nil); err != nil {
				return fmt.Errorf("failed to remove %s: %w", id, err)
			}
			fmt.Printf("Removed %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

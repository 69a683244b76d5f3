package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <id> [id...]",
	Short: "Pause downloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := apiCall("POST", "/downloads/"+id+"/pause", nil, nil); err != nil {
				return fmt.Errorf("failed to pause %s: %w", id, err)
			}
			fmt.Printf("Paused %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <id> [id...]",
	Short: "Resume paused downloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := apiCall("POST", "/downloads/"+id+"/resume", nil, nil); err != nil {
				return fmt.Errorf("failed to resume %s: %w", id, err)
			}
			fmt.Printf("Resumed %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

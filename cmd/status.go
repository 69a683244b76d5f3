package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one download in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var row downloadView
		if err := apiCall("GET", "/downloads/"+args[0], nil, &row); err != nil {
			return err
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, err := json.MarshalIndent(row, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("ID:        %d\n", row.ID)
		fmt.Printf("URL:       %s\n", row.URL)
		fmt.Printf("Status:    %s (%d)\n", row.Status, row.StatusCode)
		fmt.Printf("Progress:  %s / %s\n", formatBytes(row.CurrentBytes), formatBytes(row.TotalBytes))
		if row.FilePath != "" {
			fmt.Printf("File:      %s\n", row.FilePath)
		}
		if row.MimeType != "" {
			fmt.Printf("Type:      %s\n", row.MimeType)
		}
		if row.ETag != "" {
			fmt.Printf("ETag:      %s\n", row.ETag)
		}
		if row.NumFailed > 0 {
			fmt.Printf("Retries:   %d\n", row.NumFailed)
		}
		if row.LastModified != "" {
			fmt.Printf("Modified:  %s\n", row.LastModified)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "machine-readable output")
	rootCmd.AddCommand(statusCmd)
}

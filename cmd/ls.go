package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		watch, _ := cmd.Flags().GetBool("watch")

		if watch {
			for {
				if err := printDownloads(jsonOutput); err != nil {
					return err
				}
				time.Sleep(2 * time.Second)
				// Clear screen for watch mode
				fmt.Print("\033[H\033[2J")
			}
		}
		return printDownloads(jsonOutput)
	},
}

func printDownloads(jsonOutput bool) error {
	var rows []downloadView
	if err := apiCall("GET", "/downloads", nil, &rows); err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(rows) == 0 {
		fmt.Println("No downloads found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tNAME")
	for _, r := range rows {
		progress := "-"
		if r.TotalBytes > 0 {
			progress = fmt.Sprintf("%.0f%%", r.Progress*100)
		}
		name := r.FilePath
		if name == "" {
			name = r.URL
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, progress, formatBytes(r.TotalBytes), name)
	}
	return w.Flush()
}

func init() {
	lsCmd.Flags().Bool("json", false, "machine-readable output")
	lsCmd.Flags().Bool("watch", false, "refresh every 2 seconds")
	rootCmd.AddCommand(lsCmd)
}

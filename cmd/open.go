package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open <id>",
	Short: "Stream a completed download to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.Get(apiBase() + "/downloads/" + args[0] + "/file")
		if err != nil {
			return fmt.Errorf("is drover running? %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("request failed: %s", resp.Status)
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}

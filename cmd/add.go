package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <url> [url...]",
	Short: "Submit downloads to the running instance",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := args
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			fromFile, err := readURLsFromFile(file)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no URLs given")
		}

		hint, _ := cmd.Flags().GetString("out")
		wifiOnly, _ := cmd.Flags().GetBool("wifi-only")
		hidden, _ := cmd.Flags().GetBool("hidden")
		rawHeaders, _ := cmd.Flags().GetStringArray("header")

		headers := make(map[string]string, len(rawHeaders))
		for _, h := range rawHeaders {
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				return fmt.Errorf("invalid header %q, want name:value", h)
			}
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}

		for _, u := range urls {
			body := map[string]any{
				"url":       u,
				"hint":      hint,
				"wifi_only": wifiOnly,
				"hidden":    hidden,
			}
			if len(headers) > 0 {
				body["headers"] = headers
			}
			var res struct {
				ID int64 `json:"id"`
			}
			if err := apiCall("POST", "/downloads", body, &res); err != nil {
				return fmt.Errorf("failed to submit %s: %w", u, err)
			}
			fmt.Printf("Added download %d: %s\n", res.ID, u)
		}
		return nil
	},
}

// readURLsFromFile reads URLs from a file, one per line
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Skip empty lines and comments
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs found in file")
	}
	return urls, nil
}

func init() {
	addCmd.Flags().StringP("out", "o", "", "filename hint for the destination")
	addCmd.Flags().StringP("file", "f", "", "read URLs from a file, one per line")
	addCmd.Flags().Bool("wifi-only", false, "only transfer over unmetered networks")
	addCmd.Flags().Bool("hidden", false, "do not surface notifications")
	addCmd.Flags().StringArrayP("header", "H", nil, "extra request header (name:value), repeatable")
	rootCmd.AddCommand(addCmd)
}

package cli

import (
	"fmt"
	"time"

	"github.com/harun/resumable/pkg/client"
	"github.com/spf13/cobra"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long:  `Check whether the relay at client.base_url is up and how busy it is.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusURL, "url", "", "relay base url (overrides client.base_url)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	baseURL := statusURL
	if baseURL == "" {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		baseURL = cfg.Client.BaseURL
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	health, err := client.NewHTTPAPI(baseURL, nil).Health(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Status: stopped\n")
		fmt.Fprintf(out, "Reason: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "URL: %s\n", baseURL)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "Streams: %d\n", health.Streams)
	fmt.Fprintf(out, "Latency: %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

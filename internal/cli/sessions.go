package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/resumable/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sessionsURL string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage relay sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions on the relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := sessionsAPI(cmd)
		if err != nil {
			return err
		}
		sessions, err := api.List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATUS\tCHUNKS\tVIEWERS\tAGE\tPROMPT")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				s.SessionID, s.Status, s.ChunkCount, s.Viewers,
				formatDuration(time.Since(s.CreatedAt)), truncate(s.Prompt, 40))
		}
		return w.Flush()
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get SESSION",
	Short: "Show a session's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := sessionsAPI(cmd)
		if err != nil {
			return err
		}
		info, err := api.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var sessionsResponseCmd = &cobra.Command{
	Use:   "response SESSION",
	Short: "Print a session's accumulated text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := sessionsAPI(cmd)
		if err != nil {
			return err
		}
		resp, err := api.Response(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Response)
		if resp.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Session failed: %s\n", resp.Error)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete SESSION",
	Short: "Delete a session and stop its generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := sessionsAPI(cmd)
		if err != nil {
			return err
		}
		if err := api.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
		return nil
	},
}

var sessionsSavedCmd = &cobra.Command{
	Use:   "saved",
	Short: "List stream progress saved on this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := ensureDataDir(cfg); err != nil {
			return err
		}
		store, err := openStateStore(cfg, zerolog.Nop())
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATUS\tLAST EVENT\tBYTES\tUPDATED")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				rec.SessionID, rec.Status, rec.LastEventID, len(rec.Content),
				rec.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsResponseCmd, sessionsDeleteCmd, sessionsSavedCmd)

	sessionsCmd.PersistentFlags().StringVar(&sessionsURL, "url", "", "relay base url (overrides client.base_url)")
}

func sessionsAPI(cmd *cobra.Command) (*client.HTTPAPI, error) {
	baseURL := sessionsURL
	if baseURL == "" {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		baseURL = cfg.Client.BaseURL
	}
	return client.NewHTTPAPI(baseURL, nil), nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

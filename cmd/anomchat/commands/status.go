package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/database"
)

// newStatusCmd cria o comando `anomchat status`, que lê o último status
// persistido pelo bridge.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last persisted session status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.LoadStatus(cmd.Context())
			if errors.Is(err, database.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No status recorded yet. Has 'anomchat serve' run?")
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:         %s\n", st.State)
			fmt.Fprintf(out, "Authenticated: %t\n", st.Authenticated)
			fmt.Fprintf(out, "Updated:       %s (%s ago)\n", st.UpdatedAt.Format(time.RFC3339), time.Since(st.UpdatedAt).Round(time.Second))
			if st.LastError != "" {
				fmt.Fprintf(out, "Last error:    %s\n", st.LastError)
			}
			if st.Challenge != "" {
				fmt.Fprintln(out, "Pairing pending: run 'anomchat serve' in a terminal to link the device.")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// newStatsCmd cria o comando `anomchat stats`.
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show conversation and message counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversations:        %d\n", st.Conversations)
			fmt.Fprintf(out, "Active conversations: %d\n", st.ActiveConversations)
			fmt.Fprintf(out, "Messages:             %d\n", st.Messages)
			fmt.Fprintf(out, "Total tokens:         %d\n", st.TotalTokens)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// newMigrateCmd cria o comando `anomchat migrate`. Abrir o banco já aplica
// as migrações pendentes.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (backend %s, dirty=%t)\n", version, store.Backend(), dirty)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

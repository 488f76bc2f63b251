package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/conversation"
)

// newConversationCmd cria o comando `anomchat conversation` para administrar
// conversas sem a interface web.
func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
		Long: `Inspect and configure conversations.

Examples:
  anomchat conversation list --active
  anomchat conversation show 358401234567@s.whatsapp.net
  anomchat conversation configure 358401234567@s.whatsapp.net --tone 0 --flirt 0.3
  anomchat conversation pending 358401234567@s.whatsapp.net "Hei! Mitä kuuluu?"`,
	}

	cmd.AddCommand(
		newConversationListCmd(),
		newConversationShowCmd(),
		newConversationConfigureCmd(),
		newConversationPendingCmd(),
		newConversationActiveCmd("activate", true),
		newConversationActiveCmd("deactivate", false),
	)
	return cmd
}

// openAdmin abre o banco e devolve as operações administrativas.
func openAdmin(cmd *cobra.Command) (*conversation.Admin, func(), error) {
	store, logger, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	return conversation.NewAdmin(store, logger), func() { _ = store.Close() }, nil
}

func newConversationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, closeFn, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			activeOnly, _ := cmd.Flags().GetBool("active")
			convs, err := admin.ListConversations(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, convs)
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAT\tNAME\tACTIVE\tFIRST SENT\tPENDING\tLAST MESSAGE")
			for _, c := range convs {
				last := "-"
				if c.LastMessageAt != nil {
					last = c.LastMessageAt.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%s\n",
					c.ChatID, c.ContactName, c.IsActive, c.FirstMessageSent, c.HasPending(), last)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("active", false, "only active conversations")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newConversationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Show a conversation summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			sum, err := admin.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, sum)
			}

			c := sum.Conversation
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Chat:          %s (%s)\n", c.ChatID, c.Platform)
			fmt.Fprintf(out, "Contact:       %s %s\n", c.ContactName, c.ContactNumber)
			fmt.Fprintf(out, "Active:        %t\n", c.IsActive)
			fmt.Fprintf(out, "First sent:    %t\n", c.FirstMessageSent)
			if c.HasPending() {
				fmt.Fprintf(out, "Pending:       %q\n", *c.PendingFirstMessage)
			}
			fmt.Fprintf(out, "Tone / flirt:  %.2f / %.2f\n", c.ToneLevel, c.FlirtLevel)
			fmt.Fprintf(out, "Temperature:   %.2f (max %d tokens)\n", c.Temperature, c.MaxTokens)
			if p := c.CustomPrompt(); p != "" {
				fmt.Fprintf(out, "System prompt: %s\n", p)
			}
			fmt.Fprintf(out, "Messages:      %d (%d user, %d assistant)\n", sum.MessageCount, sum.UserMessages, sum.AssistantMessages)
			fmt.Fprintf(out, "Tokens:        %d\n", sum.TotalTokens)
			fmt.Fprintf(out, "Avg. time:     %.2fs\n", sum.AvgProcessingTime)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newConversationConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure <chat-id>",
		Short: "Update tone, flirt, temperature, token limit or system prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFromFlags(cmd)
			if err != nil {
				return err
			}
			admin, closeFn, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := admin.ConfigureConversation(cmd.Context(), args[0], settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s updated.\n", args[0])
			return nil
		},
	}
	addSettingsFlags(cmd)
	return cmd
}

func newConversationPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <chat-id> <message...>",
		Short: "Set the opening message sent on the contact's next message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if clear, _ := cmd.Flags().GetBool("clear"); clear {
				if err := admin.ClearPendingFirstMessage(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pending message cleared for %s.\n", args[0])
				return nil
			}

			settings, err := settingsFromFlags(cmd)
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if err := admin.SetPendingFirstMessage(cmd.Context(), args[0], text, settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opening message armed for %s.\n", args[0])
			return nil
		},
	}
	addSettingsFlags(cmd)
	cmd.Flags().Bool("clear", false, "remove the pending message instead")
	return cmd
}

func newConversationActiveCmd(use string, active bool) *cobra.Command {
	short := "Resume replies in a conversation"
	if !active {
		short = "Stop replying in a conversation (messages are still stored)"
	}
	return &cobra.Command{
		Use:   use + " <chat-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := admin.SetActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s: active=%t\n", args[0], active)
			return nil
		},
	}
}

func addSettingsFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("tone", 0, "tone level 0..1 (formal..casual)")
	f.Float64("flirt", 0, "flirt level 0..1")
	f.Float64("temperature", 0, "sampling temperature 0..2")
	f.Int("max-tokens", 0, "reply token limit")
	f.String("prompt", "", "custom system prompt (empty clears it)")
}

// settingsFromFlags só preenche os campos cujas flags foram informadas.
func settingsFromFlags(cmd *cobra.Command) (conversation.Settings, error) {
	var s conversation.Settings
	f := cmd.Flags()

	floatFlag := func(name string) (*float64, error) {
		if !f.Changed(name) {
			return nil, nil
		}
		v, err := f.GetFloat64(name)
		return &v, err
	}

	var err error
	if s.ToneLevel, err = floatFlag("tone"); err != nil {
		return s, err
	}
	if s.FlirtLevel, err = floatFlag("flirt"); err != nil {
		return s, err
	}
	if s.Temperature, err = floatFlag("temperature"); err != nil {
		return s, err
	}
	if f.Changed("max-tokens") {
		v, err := f.GetInt("max-tokens")
		if err != nil {
			return s, err
		}
		s.MaxTokens = &v
	}
	if f.Changed("prompt") {
		v, err := f.GetString("prompt")
		if err != nil {
			return s, err
		}
		s.SystemPrompt = &v
	}
	return s, nil
}

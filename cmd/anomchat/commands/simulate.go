package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/ai"
	"github.com/jholhewres/anomchat/pkg/anomchat/bridge"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels/simulated"
	"github.com/jholhewres/anomchat/pkg/anomchat/config"
	"github.com/jholhewres/anomchat/pkg/anomchat/conversation"
	"github.com/jholhewres/anomchat/pkg/anomchat/database"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
	"github.com/jholhewres/anomchat/pkg/anomchat/secrets"
)

// newSimulateCmd cria o comando `anomchat simulate`, que roda o bridge
// completo sobre o driver em memória.
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the bridge over an in-memory channel fed from stdin",
		Long: `Run the full bridge with a simulated channel. Each stdin line is one
inbound message in the form chat_id|name|text. Replies are printed to stdout.

Examples:
  echo '5551234@ch|Matti|moi' | anomchat simulate --echo --first-message "Hei!"
  anomchat simulate --linger 30s`,
		RunE: runSimulate,
	}

	cmd.Flags().Bool("echo", false, "answer with a local echo instead of the AI backend")
	cmd.Flags().String("first-message", "", "opening message armed for every chat that has not received one")
	cmd.Flags().Duration("linger", 10*time.Second, "time to wait for replies after stdin closes")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Channel = config.ChannelSimulated
	logger := newLogger(cmd, cfg)

	echo, _ := cmd.Flags().GetBool("echo")
	linger, _ := cmd.Flags().GetDuration("linger")
	firstMessage, _ := cmd.Flags().GetString("first-message")

	opts := bridge.Options{}
	if echo {
		opts.Generator = echoGenerator{}
	} else {
		key, _ := secrets.ResolveAPIKey(cfg.AI.APIKey, logger)
		if key == "" {
			return fmt.Errorf("no API key configured; use --echo or run 'anomchat key set'")
		}
		cfg.AI.APIKey = key
	}

	drv := simulated.New(simulated.Config{Paired: true}, media.NewFileSystemStore(cfg.Media, logger), logger)
	out := cmd.OutOrStdout()
	drv.OnSend(func(msg simulated.Outbound) {
		fmt.Fprintf(out, "%s <- %s\n", msg.ChatID, msg.Text)
	})
	opts.Driver = drv

	b, err := bridge.New(cfg, opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		_ = b.Close(context.Background())
		return err
	}

	armed := map[string]bool{}
	beforeInject := func(chatID string) {
		if firstMessage == "" || armed[chatID] {
			return
		}
		armed[chatID] = true
		if err := armFirstMessage(ctx, b, chatID, firstMessage); err != nil {
			logger.Warn("arming first message", "chat_id", chatID, "error", err)
		}
	}

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		if err := feedLines(cmd.InOrStdin(), drv, beforeInject); err != nil {
			logger.Warn("reading stdin", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-lines:
		select {
		case <-ctx.Done():
		case <-time.After(linger):
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Maintenance.ShutdownTimeout+15*time.Second)
	defer cancel()
	return b.Close(sctx)
}

// armFirstMessage arma o gate apenas para conversas que ainda não
// receberam a mensagem de abertura.
func armFirstMessage(ctx context.Context, b *bridge.Bridge, chatID, text string) error {
	conv, err := b.Admin().Conversation(ctx, chatID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return err
	case conv.FirstMessageSent || conv.HasPending():
		return nil
	}
	return b.SetPendingFirstMessage(ctx, chatID, text, conversation.Settings{})
}

// feedLines injects each chat_id|name|text line into drv.
func feedLines(r io.Reader, drv *simulated.Driver, before func(chatID string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		chatID, name, text, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if before != nil {
			before(chatID)
		}
		drv.InjectText(chatID, name, text)
	}
	return scanner.Err()
}

// parseLine splits "chat_id|name|text". A line without separators is sent
// as text from a default chat.
func parseLine(line string) (chatID, name, text string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", "", false
	}
	parts := strings.SplitN(line, "|", 3)
	switch len(parts) {
	case 3:
		chatID, name, text = parts[0], parts[1], parts[2]
	case 2:
		chatID, text = parts[0], parts[1]
	default:
		chatID, text = "simulated@ch", parts[0]
	}
	chatID, name, text = strings.TrimSpace(chatID), strings.TrimSpace(name), strings.TrimSpace(text)
	return chatID, name, text, chatID != "" && text != ""
}

// echoGenerator responde repetindo a última mensagem do usuário.
type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req ai.Request) (ai.Completion, error) {
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == database.RoleUser {
			text := "Kaiku: " + req.History[i].Content
			return ai.Completion{Text: text, Tokens: ai.CountTokens(text)}, nil
		}
	}
	return ai.Completion{Text: "Kaiku."}, nil
}

func (echoGenerator) AnalyzeMedia(context.Context, string, channels.MessageType) string {
	return ""
}

var _ conversation.Generator = echoGenerator{}

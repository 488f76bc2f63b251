package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/bridge"
	"github.com/jholhewres/anomchat/pkg/anomchat/secrets"
	"github.com/jholhewres/anomchat/pkg/anomchat/session"
)

// newServeCmd cria o comando `anomchat serve` que inicia o daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp Web and answer messages",
		Long: `Start the bridge: connect the WhatsApp Web session (printing a pairing
code when no saved session exists), poll for new messages and answer them.

Examples:
  anomchat serve
  anomchat serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	// ── Resolve secrets ──
	key, source := secrets.ResolveAPIKey(cfg.AI.APIKey, logger)
	if key == "" {
		return fmt.Errorf("no API key configured; run 'anomchat key set' or export OPENAI_API_KEY")
	}
	cfg.AI.APIKey = key
	logger.Info("API key resolved", "source", source)

	// ── Build bridge ──
	b, err := bridge.New(cfg, bridge.Options{}, logger)
	if err != nil {
		return err
	}
	b.OnStatus(printChallenge)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Start ──
	if err := b.Start(ctx); err != nil {
		_ = b.Close(context.Background())
		return err
	}
	logger.Info("AnomChat running. Press Ctrl+C to stop.", "channel", cfg.Channel, "model", cfg.AI.Model)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Maintenance.ShutdownTimeout+15*time.Second)
	defer cancel()
	if err := b.Close(sctx); err != nil {
		logger.Warn("shutdown finished with errors", "error", err)
		return nil
	}
	logger.Info("shutdown complete")
	return nil
}

// printChallenge mostra o código de pareamento quando ele muda.
func printChallenge(prev, next session.Snapshot) {
	if next.Challenge == "" || next.Challenge == prev.Challenge {
		return
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Link this device in WhatsApp > Settings > Linked devices.")
	fmt.Fprintln(os.Stderr, "Pairing code (render it as a QR code to scan):")
	fmt.Fprintln(os.Stderr, next.Challenge)
	fmt.Fprintln(os.Stderr)
}

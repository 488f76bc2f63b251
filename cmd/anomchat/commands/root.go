// Package commands implementa os comandos CLI do AnomChat usando cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/config"
	"github.com/jholhewres/anomchat/pkg/anomchat/database"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anomchat",
		Short: "AnomChat - WhatsApp Web to AI conversation bridge",
		Long: `AnomChat keeps a WhatsApp Web session alive, answers direct messages
with an OpenAI-compatible model and stores every conversation.

Examples:
  anomchat serve
  anomchat simulate
  anomchat conversation pending 358401234567@s.whatsapp.net "Hei! Mitä kuuluu?"
  anomchat status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newStatusCmd(),
		newConversationCmd(),
		newStatsCmd(),
		newMigrateCmd(),
		newKeyCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig carrega a configuração a partir da flag --config ou da busca
// automática.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger monta o logger raiz a partir da seção logging.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := cfg.Logging.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openStore abre o banco usado pelos comandos administrativos.
func openStore(cmd *cobra.Command) (*database.Store, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg)
	store, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return store, logger, nil
}

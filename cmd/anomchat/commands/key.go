package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/anomchat/pkg/anomchat/secrets"
)

// newKeyCmd cria o comando `anomchat key` para gerenciar a API key do
// backend de IA fora do config.yaml.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the AI API key (vault or OS keyring)",
		Long: `Store the AI API key in the encrypted vault or in the OS keyring.

Lookup order at startup: vault, OS keyring, ANOMCHAT_API_KEY / OPENAI_API_KEY,
then ai.api_key from the config file.

Examples:
  anomchat key set
  anomchat key set --vault
  anomchat key status`,
	}

	// Registra subcomandos.
	cmd.AddCommand(newKeySetCmd(), newKeyDeleteCmd(), newKeyStatusCmd())
	return cmd
}

func newKeySetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			useVault, _ := cmd.Flags().GetBool("vault")

			var vault *secrets.Vault
			if useVault {
				v, err := openVault(true)
				if err != nil {
					return err
				}
				defer v.Lock()
				vault = v
			}

			key, err := secrets.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("empty API key")
			}

			if vault != nil {
				if err := vault.Set(secrets.APIKeyName, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key stored in %s\n", vault.Path())
				return nil
			}
			if err := secrets.StoreKeyring(secrets.APIKeyName, key); err != nil {
				return fmt.Errorf("storing in OS keyring (try --vault): %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring")
			return nil
		},
	}
	cmd.Flags().Bool("vault", false, "store in the encrypted vault instead of the OS keyring")
	return cmd
}

func newKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useVault, _ := cmd.Flags().GetBool("vault"); useVault {
				vault, err := openVault(false)
				if err != nil {
					return err
				}
				defer vault.Lock()
				if err := vault.Delete(secrets.APIKeyName); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key removed from %s\n", vault.Path())
				return nil
			}
			if err := secrets.DeleteKeyring(secrets.APIKeyName); err != nil {
				return fmt.Errorf("removing from OS keyring: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring")
			return nil
		},
	}
	cmd.Flags().Bool("vault", false, "remove from the encrypted vault")
	return cmd
}

func newKeyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the API key would be loaded from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			key, source := secrets.ResolveAPIKey(cfg.AI.APIKey, logger)
			if key == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No API key found.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s (source: %s)\n", maskKey(key), source)
			return nil
		},
	}
}

// openVault desbloqueia o vault do diretório atual, criando-o se create
// for verdadeiro e ele ainda não existir.
func openVault(create bool) (*secrets.Vault, error) {
	vault := secrets.NewVault(secrets.VaultFile)
	password := os.Getenv(secrets.VaultPasswordEnv)

	if !vault.Exists() {
		if !create {
			return nil, fmt.Errorf("vault %s not found", vault.Path())
		}
		if password == "" {
			p, err := secrets.ReadPassword("New vault password: ")
			if err != nil {
				return nil, err
			}
			confirm, err := secrets.ReadPassword("Confirm password: ")
			if err != nil {
				return nil, err
			}
			if p != confirm {
				return nil, errors.New("passwords do not match")
			}
			password = p
		}
		if password == "" {
			return nil, errors.New("empty vault password")
		}
		if err := vault.Create(password); err != nil {
			return nil, err
		}
		return vault, nil
	}

	if password == "" {
		p, err := secrets.ReadPassword("Vault password: ")
		if err != nil {
			return nil, err
		}
		password = p
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

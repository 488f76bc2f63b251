// Package secrets resolves the AI backend API key.
//
// Priority:
//  1. Encrypted vault (.anomchat.vault, AES-256-GCM + Argon2id)
//  2. OS keyring (Secret Service, Keychain, Credential Manager)
//  3. Environment (ANOMCHAT_API_KEY, OPENAI_API_KEY)
//  4. config.yaml value
package secrets

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "anomchat"

	// APIKeyName is the entry name used in both the keyring and the vault.
	APIKeyName = "OPENAI_API_KEY"

	// VaultPasswordEnv unlocks the vault without a prompt.
	VaultPasswordEnv = "ANOMCHAT_VAULT_PASSWORD"
)

// envKeys are checked in order after the vault and keyring.
var envKeys = []string{"ANOMCHAT_API_KEY", "OPENAI_API_KEY"}

// Source names where a secret came from.
type Source string

const (
	SourceNone    Source = ""
	SourceVault   Source = "vault"
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
	SourceConfig  Source = "config"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(keyringService, name, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or
// the keyring is unavailable.
func GetKeyring(name string) string {
	val, err := keyring.Get(keyringService, name)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(name string) error {
	return keyring.Delete(keyringService, name)
}

// Resolver walks the priority chain.
type Resolver struct {
	// VaultPath defaults to VaultFile.
	VaultPath string

	// Password supplies the vault master password when VaultPasswordEnv
	// is unset. Nil disables prompting.
	Password func() (string, error)

	Logger *slog.Logger
}

// ResolveAPIKey runs the default resolver: vault in the working
// directory, with a terminal prompt when stdin is interactive.
func ResolveAPIKey(configValue string, logger *slog.Logger) (string, Source) {
	r := &Resolver{Logger: logger}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		r.Password = func() (string, error) { return ReadPassword("Vault password: ") }
	}
	return r.Resolve(configValue)
}

// Resolve returns the first non-empty key and where it came from.
func (r *Resolver) Resolve(configValue string) (string, Source) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if key := r.fromVault(logger); key != "" {
		logger.Debug("secrets: API key loaded from vault")
		return key, SourceVault
	}
	if key := GetKeyring(APIKeyName); key != "" {
		logger.Debug("secrets: API key loaded from OS keyring")
		return key, SourceKeyring
	}
	for _, name := range envKeys {
		if key := os.Getenv(name); key != "" {
			logger.Debug("secrets: API key loaded from environment", "var", name)
			return key, SourceEnv
		}
	}
	if configValue != "" && !strings.HasPrefix(configValue, "$") {
		return configValue, SourceConfig
	}

	logger.Warn("secrets: no API key found", "hint", "run 'anomchat key set' or export OPENAI_API_KEY")
	return "", SourceNone
}

func (r *Resolver) fromVault(logger *slog.Logger) string {
	path := r.VaultPath
	if path == "" {
		path = VaultFile
	}
	vault := NewVault(path)
	if !vault.Exists() {
		return ""
	}

	if pass := os.Getenv(VaultPasswordEnv); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			logger.Warn("secrets: failed to unlock vault with "+VaultPasswordEnv, "error", err)
		}
	}
	if !vault.IsUnlocked() && r.Password != nil {
		pass, err := r.Password()
		if err != nil {
			logger.Warn("secrets: failed to read vault password", "error", err)
		} else if err := vault.Unlock(pass); err != nil {
			logger.Warn("secrets: failed to unlock vault", "error", err)
		}
	}
	if !vault.IsUnlocked() {
		logger.Info("secrets: vault present but locked, falling back", "path", path)
		return ""
	}
	defer vault.Lock()

	key, err := vault.Get(APIKeyName)
	if err != nil {
		logger.Warn("secrets: reading API key from vault", "error", err)
		return ""
	}
	return key
}

// ReadPassword reads a line from the terminal without echo. Piped input
// is read as a plain line.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

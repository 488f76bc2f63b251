package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (braced form)
//   - 2: modifier ("-" or "?")
//   - 3: default value or error message
//   - 4: variable name (bare form)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// envFiles are loaded before expansion. Existing variables win.
var envFiles = []string{".env", ".env.local"}

// Load reads a YAML file, expands environment references and overlays the
// result on DefaultConfig. Relative paths are resolved against the file's
// directory. The result is validated.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	auditSecrets(cfg, data)
	resolveSecrets(cfg)
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set, otherwise the first file found
// by FindConfigFile, otherwise the defaults with environment secrets.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		return Load(path)
	}

	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML bytes on DefaultConfig. Keys absent from the
// document keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches the working directory for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"anomchat.yaml",
		"anomchat.yml",
		"configs/config.yaml",
		"configs/anomchat.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// auditSecrets warns when the API key is written in plain text in the
// unexpanded config file.
func auditSecrets(cfg *Config, raw []byte) {
	if cfg.AI.APIKey == "" || !strings.Contains(string(raw), cfg.AI.APIKey) {
		return
	}
	if looksLikeRealKey(cfg.AI.APIKey) {
		slog.Warn("config: API key appears to be hardcoded",
			"hint", "set 'api_key: ${OPENAI_API_KEY}' or use 'anomchat key set'")
	}
}

func loadEnvFiles() {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset ${VAR} and $VAR
// are left in place; an unset ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("%s: %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills the API key from the environment when the config
// leaves it empty or unexpanded.
func resolveSecrets(cfg *Config) {
	if cfg.AI.APIKey != "" && !isEnvReference(cfg.AI.APIKey) {
		return
	}
	for _, name := range []string{"ANOMCHAT_API_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			cfg.AI.APIKey = key
			return
		}
	}
	if isEnvReference(cfg.AI.APIKey) {
		cfg.AI.APIKey = ""
	}
}

func resolveRelativePaths(cfg *Config, configDir string) {
	cfg.WhatsApp.SessionDir = resolvePath(cfg.WhatsApp.SessionDir, configDir)
	cfg.WhatsApp.DatabasePath = resolvePath(cfg.WhatsApp.DatabasePath, configDir)
	cfg.Media.BaseDir = resolvePath(cfg.Media.BaseDir, configDir)
	cfg.Database.SQLite.Path = resolvePath(cfg.Database.SQLite.Path, configDir)
}

// resolvePath makes path absolute relative to configDir and expands ~.
func resolvePath(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func looksLikeRealKey(s string) bool {
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}

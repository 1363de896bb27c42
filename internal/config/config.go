// Package config loads and validates the application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for Heartline.
type Config struct {
	General GeneralConfig `json:"general"`
	Chat    ChatConfig    `json:"chat"`
	Server  ServerConfig  `json:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ChatConfig configures the client-side messaging core.
type ChatConfig struct {
	ServerURL             string `json:"serverUrl"` // backend base URL, e.g. http://127.0.0.1:8080
	ReconnectDelaySeconds int    `json:"reconnectDelaySeconds"`
	TypingStopSeconds     int    `json:"typingStopSeconds"`
	TypingExpirySeconds   int    `json:"typingExpirySeconds"` // 0 disables defensive expiry of remote typing state
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
	RosterDir             string `json:"rosterDir"`
}

// ServerConfig configures the bundled relay server.
type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	DBPath string `json:"dbPath"`
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c ChatConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// TypingStop returns the outbound typing countdown as a duration.
func (c ChatConfig) TypingStop() time.Duration {
	return time.Duration(c.TypingStopSeconds) * time.Second
}

// TypingExpiry returns the defensive typing TTL; zero means disabled.
func (c ChatConfig) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpirySeconds) * time.Second
}

// RequestTimeout returns the reliable-channel request timeout.
func (c ChatConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PushURL derives the websocket push endpoint from the backend base URL.
func (c ChatConfig) PushURL() string {
	u := c.ServerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// DefaultConfigDir returns the default config directory (~/.heartline).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".heartline"
	}
	return filepath.Join(home, ".heartline")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Chat.RosterDir = ExpandPath(cfg.Chat.RosterDir)
	cfg.Server.DBPath = ExpandPath(cfg.Server.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Chat.ServerURL == "" {
		errs = append(errs, "chat.serverUrl is required")
	} else if !strings.HasPrefix(cfg.Chat.ServerURL, "http://") && !strings.HasPrefix(cfg.Chat.ServerURL, "https://") {
		errs = append(errs, "chat.serverUrl must start with http:// or https://")
	}
	if cfg.Chat.ReconnectDelaySeconds < 1 {
		errs = append(errs, "chat.reconnectDelaySeconds must be >= 1")
	}
	if cfg.Chat.TypingStopSeconds < 1 {
		errs = append(errs, "chat.typingStopSeconds must be >= 1")
	}
	if cfg.Chat.TypingExpirySeconds < 0 {
		errs = append(errs, "chat.typingExpirySeconds must be >= 0")
	}
	if cfg.Chat.RequestTimeoutSeconds < 1 {
		errs = append(errs, "chat.requestTimeoutSeconds must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

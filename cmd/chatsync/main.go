package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default" yaml:"default"`
	Auth     ConfigAuth     `toml:"auth" yaml:"auth"`
	Realtime ConfigRealtime `toml:"realtime" yaml:"realtime"`
	Log      ConfigLog      `toml:"log" yaml:"log"`
}

// ConfigDefault holds the backend endpoints.
type ConfigDefault struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
	WSURL   string `toml:"ws_url" yaml:"ws_url"`
}

// ConfigAuth holds the login state.
type ConfigAuth struct {
	UserID string `toml:"user_id" yaml:"user_id"`
	Token  string `toml:"token" yaml:"token"`
}

// ConfigRealtime tunes the push connection. Durations use time.ParseDuration
// syntax.
type ConfigRealtime struct {
	ReconnectDelay       string `toml:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
	Heartbeat            string `toml:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
}

type ConfigLog struct {
	Level  string `toml:"level,omitempty" yaml:"level,omitempty"`
	Format string `toml:"format,omitempty" yaml:"format,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file location. $CHATSYNC_CONFIG wins over
// ~/.chatsync/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// configFormat names the encoding used for path.
func configFormat(path string) string {
	if isYAML(path) {
		return "yaml"
	}
	return "toml"
}

func marshalConfig(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return toml.Marshal(cfg)
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk in the format its path
// selects.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigFile(path, cfg)
}

func saveConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := marshalConfig(path, cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "reconnect_delay", "heartbeat":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for %s: %w", key, err)
			}
			if field == "heartbeat" {
				cfg.Realtime.Heartbeat = value
			} else {
				cfg.Realtime.ReconnectDelay = value
			}
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_reconnect_attempts must be a non-negative integer")
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "log":
		switch field {
		case "level":
			switch value {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("log level must be one of debug, info, warn, error")
			}
			cfg.Log.Level = value
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("log format must be text or json")
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat client",
	Long:  "Command-line client for the chat backend.\nBrowse rooms, read and send messages, and follow pushes live.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/chatlink/chatsync/internal/logx"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server     ConfigServer     `toml:"server"`
	Connection ConfigConnection `toml:"connection"`
	Log        ConfigLog        `toml:"log"`
}

// ConfigServer holds the server endpoints.
type ConfigServer struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// ConfigConnection tunes the socket. Durations use Go syntax, e.g. "1s" or "250ms".
type ConfigConnection struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	AckTimeout           string `toml:"ack_timeout"`
}

// ConfigLog controls diagnostic output.
type ConfigLog struct {
	Development bool   `toml:"development"`
	Level       string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "socket_url":
			cfg.Server.SocketURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "connection":
		switch field {
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_reconnect_attempts must be a non-negative integer")
			}
			cfg.Connection.MaxReconnectAttempts = n
		case "reconnect_base_delay", "heartbeat_interval", "ack_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration: %w", field, err)
			}
			switch field {
			case "reconnect_base_delay":
				cfg.Connection.ReconnectBaseDelay = value
			case "heartbeat_interval":
				cfg.Connection.HeartbeatInterval = value
			default:
				cfg.Connection.AckTimeout = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [connection]", field)
		}
	case "log":
		switch field {
		case "development":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("development must be true or false")
			}
			cfg.Log.Development = b
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil || value == "" {
				return fmt.Errorf("level must be one of trace, debug, info, warn, error")
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, connection, log)", section)
	}
	return nil
}

// engineOptions maps the config onto engine options. Empty fields keep the engine
// defaults.
func (c *Config) engineOptions() (chatsync.Options, error) {
	opts := chatsync.Options{
		BaseURL:              c.Server.BaseURL,
		SocketURL:            c.Server.SocketURL,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_base_delay", c.Connection.ReconnectBaseDelay, &opts.ReconnectBaseDelay},
		{"heartbeat_interval", c.Connection.HeartbeatInterval, &opts.HeartbeatInterval},
		{"ack_timeout", c.Connection.AckTimeout, &opts.AckTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return opts, fmt.Errorf("connection.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return opts, nil
}

// logLevel resolves the level the CLI logs at: the configured level, else debug in
// development or verbose mode, else warn.
func (c *Config) logLevel(verbose bool) string {
	switch {
	case c.Log.Level != "":
		return c.Log.Level
	case c.Log.Development || verbose:
		return "debug"
	}
	return "warn"
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat client CLI",
	Long:          "Command-line client for the chat server.\nLog in, browse users and groups, read history and chat in real time.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logx.InitGlobalLogger(cfg.Log.Development || verbose, nil)
		if err := logx.SetLevel(cfg.logLevel(verbose)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection and cache activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored instead of the resolved settings")
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// setting is one resolved configuration value and where it came from.
type setting struct {
	Key    string
	Value  string
	Source string
}

const (
	sourceFile    = "config"
	sourceDefault = "default"
	sourceDerived = "derived"
)

// effectiveSettings resolves cfg the way the engine will see it, with defaults
// filled in for every key the file leaves empty.
func effectiveSettings(cfg *Config) ([]setting, error) {
	opts, err := cfg.engineOptions()
	if err != nil {
		return nil, err
	}
	eff := opts.WithDefaults()

	from := func(set bool) string {
		if set {
			return sourceFile
		}
		return sourceDefault
	}
	socketSource := sourceFile
	if cfg.Server.SocketURL == "" {
		socketSource = sourceDerived
	}
	c := cfg.Connection
	return []setting{
		{"server.base_url", eff.BaseURL, from(cfg.Server.BaseURL != "")},
		{"server.socket_url", eff.SocketURL, socketSource},
		{"connection.max_reconnect_attempts", strconv.Itoa(eff.MaxReconnectAttempts), from(c.MaxReconnectAttempts != 0)},
		{"connection.reconnect_base_delay", eff.ReconnectBaseDelay.String(), from(c.ReconnectBaseDelay != "")},
		{"connection.heartbeat_interval", eff.HeartbeatInterval.String(), from(c.HeartbeatInterval != "")},
		{"connection.ack_timeout", eff.AckTimeout.String(), from(c.AckTimeout != "")},
		{"log.development", strconv.FormatBool(cfg.Log.Development), from(cfg.Log.Development)},
		{"log.level", cfg.logLevel(false), from(cfg.Log.Level != "")},
	}, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "Inspect or change the settings in ~/.chatsync/config.toml. Keys left unset fall back to the engine defaults.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				return fmt.Errorf("no config file at %s", path)
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		settings, err := effectiveSettings(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, s := range settings {
			fmt.Fprintf(w, "%s\t%s\t(%s)\n", s.Key, s.Value, s.Source)
		}
		return w.Flush()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long:  "Change one setting, addressed as section.field.\nExample: chatsync config set connection.ack_timeout 5s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		settings, err := effectiveSettings(cfg)
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		for _, s := range settings {
			if s.Key == args[0] {
				fmt.Printf("%s = %s\n", s.Key, s.Value)
			}
		}
		return nil
	},
}

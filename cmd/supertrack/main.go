package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.supertrack/config.toml.
type Config struct {
	Default       ConfigDefault       `toml:"default"`
	Notifications ConfigNotifications `toml:"notifications"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	APIURL string `toml:"api_url"`
	Token  string `toml:"token"`
}

// ConfigNotifications holds notification feed settings.
type ConfigNotifications struct {
	Capacity int `toml:"capacity"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.supertrack, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".supertrack")
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

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "notifications":
		switch field {
		case "capacity":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("capacity must be a positive integer, got %q", value)
			}
			cfg.Notifications.Capacity = n
		default:
			return fmt.Errorf("unknown field %q in section [notifications]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, notifications)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "supertrack",
	Short: "Supertrack SDK CLI",
	Long:  "Command-line interface for the Supertrack AI Platform SDK.\nManage configuration, follow the notification feed, and check platform status.",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

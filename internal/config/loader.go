package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/quantrun/quantrun.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quantrun", "quantrun.yaml"))
	}

	paths = append(paths, "quantrun.yaml")

	if envPath := os.Getenv("QUANTRUN_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/quantrun/quantrun.yaml < ~/.config/quantrun/quantrun.yaml < ./quantrun.yaml < $QUANTRUN_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("QUANTRUN_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
	if token := os.Getenv("QUANTRUN_API_TOKEN"); token != "" {
		cfg.Auth.APIToken = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" {
		return fmt.Errorf("server.host must not be 0.0.0.0, quantrun listens on localhost only (enable the tunnel for external access)")
	}

	if cfg.Execution.HeartbeatInterval <= 0 {
		return fmt.Errorf("execution.heartbeat_interval must be positive")
	}

	if cfg.Execution.SubscriberBuffer < 1 {
		return fmt.Errorf("execution.subscriber_buffer must be at least 1")
	}

	if cfg.Execution.StopGrace <= 0 {
		return fmt.Errorf("execution.stop_grace must be positive")
	}

	for name, s := range cfg.Scripts {
		if name == "" || strings.ContainsAny(name, ":/ ") {
			return fmt.Errorf("script name %q must be non-empty without ':', '/' or spaces", name)
		}
		if s.Command == "" {
			return fmt.Errorf("scripts.%s.command is required", name)
		}
		switch s.Mode {
		case "":
			s.Mode = ModeShared
		case ModeShared, ModeSession:
		default:
			return fmt.Errorf("scripts.%s.mode must be %q or %q, got %q", name, ModeShared, ModeSession, s.Mode)
		}
		s.Dir = ExpandHome(s.Dir)
		cfg.Scripts[name] = s
	}

	if name := cfg.Execution.StrategyScript; name != "" {
		s, ok := cfg.Scripts[name]
		if !ok {
			return fmt.Errorf("execution.strategy_script %q is not a configured script", name)
		}
		if s.Mode != ModeSession {
			return fmt.Errorf("execution.strategy_script %q must use mode %q", name, ModeSession)
		}
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.Provider != "ngrok" {
		return fmt.Errorf("tunnel.provider %q is not supported", cfg.Tunnel.Provider)
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Execution.WorkDir = ExpandHome(cfg.Execution.WorkDir)
	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)

	return nil
}

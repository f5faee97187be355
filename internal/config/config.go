package config

import "time"

// Script modes.
const (
	// ModeShared runs one instance per script name; viewers only watch.
	ModeShared = "shared"
	// ModeSession runs one instance per (script, id) bound to a single viewer.
	ModeSession = "session"
)

// Config is the root configuration for quantrun.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Auth      AuthConfig        `yaml:"auth"`
	Database  DatabaseConfig    `yaml:"database"`
	Execution ExecutionConfig   `yaml:"execution"`
	Scripts   map[string]Script `yaml:"scripts"`
	Tunnel    TunnelConfig      `yaml:"tunnel"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
}

type AuthConfig struct {
	// Disabled turns off bearer authentication entirely. Local use only.
	Disabled bool `yaml:"disabled"`
	// APIToken is a plaintext token, usually injected via QUANTRUN_API_TOKEN.
	APIToken string `yaml:"api_token"`
	// APITokens holds SHA-256 hashes of accepted tokens.
	APITokens []APITokenEntry `yaml:"api_tokens"`
	// SecretDir holds the generated token when no token is configured.
	SecretDir string `yaml:"secret_dir"`
}

type APITokenEntry struct {
	Name      string `yaml:"name"`
	TokenHash string `yaml:"token_hash"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// RetentionDays bounds the run history; 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

type ExecutionConfig struct {
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	SubscriberBuffer  int               `yaml:"subscriber_buffer"`
	StopGrace         time.Duration     `yaml:"stop_grace"`
	WorkDir           string            `yaml:"work_dir"`
	Env               map[string]string `yaml:"env"`
	// StrategyScript is the session-mode script launched for stored strategies.
	StrategyScript string `yaml:"strategy_script"`
}

// Script describes an external program runnable by name.
type Script struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Mode        string            `yaml:"mode"`
	Description string            `yaml:"description"`
	Dir         string            `yaml:"dir"`
	Env         map[string]string `yaml:"env"`
	// InputChoices restricts top-level payload fields to the listed values.
	InputChoices map[string][]string `yaml:"input_choices"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			SecretDir: "~/.config/quantrun",
		},
		Database: DatabaseConfig{
			Path:          "~/.config/quantrun/quantrun.db",
			RetentionDays: 30,
		},
		Execution: ExecutionConfig{
			HeartbeatInterval: 15 * time.Second,
			SubscriberBuffer:  256,
			StopGrace:         10 * time.Second,
			WorkDir:           "~/.config/quantrun/scripts",
			Env: map[string]string{
				"PYTHONUNBUFFERED": "1",
			},
			StrategyScript: "scalping",
		},
		Scripts: map[string]Script{
			"circuit": {
				Command:     "python3",
				Args:        []string{"-u", "circuit_strategy.py"},
				Mode:        ModeShared,
				Description: "Circuit breaker watcher shared by every viewer",
				InputChoices: map[string][]string{
					"circuit": {"Nifty 50", "Nifty 100"},
				},
			},
			"scalping": {
				Command:     "python3",
				Args:        []string{"-u", "scalping_strategy.py"},
				Mode:        ModeSession,
				Description: "Per-strategy scalping loop bound to its viewer",
			},
		},
		Tunnel: TunnelConfig{
			Provider: "ngrok",
		},
	}
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zette-dev/kurocha/internal/logger"
)

// EnvPrefix is prepended to environment overrides, e.g. KUROCHA_CLAUDE_TIMEOUT.
const EnvPrefix = "KUROCHA"

type Config struct {
	Telegram   TelegramConfig       `mapstructure:"telegram"`
	Session    SessionConfig        `mapstructure:"session"`
	Claude     ClaudeConfig         `mapstructure:"claude"`
	Workspaces WorkspacesConfig     `mapstructure:"workspaces"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
	Server     ServerConfig         `mapstructure:"server"`
}

type TelegramConfig struct {
	BotToken       string  `mapstructure:"bot_token"`
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`
}

type SessionConfig struct {
	EditInterval time.Duration `mapstructure:"edit_interval"`
}

type ClaudeConfig struct {
	Binary           string            `mapstructure:"binary"`
	MCPConfigPath    string            `mapstructure:"mcp_config_path"`
	SkipPermissions  bool              `mapstructure:"skip_permissions"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	KillGrace        time.Duration     `mapstructure:"kill_grace"`
	SystemPromptPath string            `mapstructure:"system_prompt_path"`
	Env              map[string]string `mapstructure:"env"`
}

type WorkspacesConfig struct {
	Root      string `mapstructure:"root"`
	Default   string `mapstructure:"default"`
	StatePath string `mapstructure:"state_path"`
}

type ServerConfig struct {
	// Addr is the listen address of the ops server. Empty disables it.
	Addr string `mapstructure:"addr"`
}

// Load reads the YAML file at path and applies KUROCHA_* environment
// overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := newViper()

	// Expand environment variables in the YAML
	expanded := os.ExpandEnv(string(data))
	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known to viper for AutomaticEnv to reach Unmarshal.
	// Real defaults are applied in validate.
	for key, zero := range map[string]any{
		"telegram.bot_token":        "",
		"claude.binary":             "",
		"claude.mcp_config_path":    "",
		"claude.skip_permissions":   false,
		"claude.timeout":            time.Duration(0),
		"claude.kill_grace":         time.Duration(0),
		"claude.system_prompt_path": "",
		"session.edit_interval":     time.Duration(0),
		"workspaces.root":           "",
		"workspaces.default":        "",
		"workspaces.state_path":     "",
		"logging.level":             "",
		"logging.format":            "",
		"logging.output_path":       "",
		"server.addr":               "",
	} {
		v.SetDefault(key, zero)
	}
	return v
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids must have at least one entry")
	}
	if c.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is required")
	}
	if c.Claude.Timeout < 0 {
		return fmt.Errorf("claude.timeout must not be negative")
	}

	// Apply defaults
	if c.Claude.Binary == "" {
		c.Claude.Binary = "claude"
	}
	if c.Claude.Timeout == 0 {
		c.Claude.Timeout = 30 * time.Minute
	}
	if c.Claude.KillGrace == 0 {
		c.Claude.KillGrace = 5 * time.Second
	}
	if c.Session.EditInterval == 0 {
		c.Session.EditInterval = 2 * time.Second
	}
	if c.Workspaces.Default == "" {
		c.Workspaces.Default = "default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// viper lower-cases map keys; environment variable names are upper-case.
	if len(c.Claude.Env) > 0 {
		env := make(map[string]string, len(c.Claude.Env))
		for k, v := range c.Claude.Env {
			env[strings.ToUpper(k)] = v
		}
		c.Claude.Env = env
	}

	return nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultListen = "127.0.0.1:8787"

// Config is the on-disk configuration for aria-agent.
//
// The file is JSON or YAML, chosen by extension. Secrets (API keys, calendar tokens) never live
// here: the config only names the environment variable or keyring entry holding them.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// StateDir holds the thread database, the local calendar and the lockfile.
	// If empty, the directory of the config file is used.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	Assistant AssistantConfig `json:"assistant" yaml:"assistant"`
	Guard     GuardConfig     `json:"guard,omitempty" yaml:"guard,omitempty"`
	Calendar  CalendarConfig  `json:"calendar,omitempty" yaml:"calendar,omitempty"`
	Weather   WeatherConfig   `json:"weather,omitempty" yaml:"weather,omitempty"`
}

// Default returns a config that runs against the OpenAI Assistants API with a local calendar and
// the stub weather source.
func Default() *Config {
	return &Config{
		Listen:    DefaultListen,
		LogFormat: "text",
		LogLevel:  "info",
		Assistant: AssistantConfig{Provider: ProviderOpenAIAssistant, APIKeyEnv: "OPENAI_API_KEY"},
		Calendar:  CalendarConfig{Provider: CalendarLocal},
		Weather:   WeatherConfig{Provider: WeatherStub},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if l := strings.TrimSpace(c.Listen); l != "" {
		if _, _, err := net.SplitHostPort(l); err != nil {
			return fmt.Errorf("invalid listen %q: %w", c.Listen, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if err := c.Assistant.Validate(); err != nil {
		return fmt.Errorf("invalid assistant: %w", err)
	}
	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("invalid guard: %w", err)
	}
	if err := c.Calendar.Validate(); err != nil {
		return fmt.Errorf("invalid calendar: %w", err)
	}
	if err := c.Weather.Validate(); err != nil {
		return fmt.Errorf("invalid weather: %w", err)
	}
	return nil
}

// ListenAddr returns the configured listen address or the default.
func (c *Config) ListenAddr() string {
	if c == nil || strings.TrimSpace(c.Listen) == "" {
		return DefaultListen
	}
	return strings.TrimSpace(c.Listen)
}

// ResolveStateDir returns the state directory, relative to the config file when not absolute.
func (c *Config) ResolveStateDir(configPath string) string {
	dir := ""
	if c != nil {
		dir = strings.TrimSpace(c.StateDir)
	}
	base := filepath.Dir(configPath)
	if dir == "" {
		return base
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// DefaultConfigPath returns the default config path:
//
//	~/.aria-agent/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "aria-agent.config.yaml"
	}
	return filepath.Join(home, ".aria-agent", "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if isYAML(path) {
		b, err = yaml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenAIAssistant = "openai_assistant"
	ProviderAnthropic       = "anthropic"

	CalendarGoogle = "google"
	CalendarLocal  = "local"

	WeatherStub           = "stub"
	WeatherOpenWeatherMap = "openweathermap"
)

// AssistantConfig selects the model backend.
//
// Notes:
//   - api_key_env names the environment variable holding the key; the OS keyring is consulted when
//     it is unset.
//   - assistant_id is optional for openai_assistant; without it an assistant is created at startup
//     and its id is kept in the state dir.
type AssistantConfig struct {
	Provider     string `json:"provider" yaml:"provider"`
	AssistantID  string `json:"assistant_id,omitempty" yaml:"assistant_id,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv    string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultAssistantModel = "gpt-4o-mini"
)

func (c *AssistantConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.ProviderType() {
	case ProviderOpenAIAssistant, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if raw := strings.TrimSpace(c.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url %q", c.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
	}
	if c.MaxTokens < 0 {
		return errors.New("max_tokens must be positive")
	}
	return nil
}

func (c *AssistantConfig) ProviderType() string {
	if c == nil {
		return ""
	}
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderOpenAIAssistant
	}
	return p
}

func (c *AssistantConfig) ModelName() string {
	if c == nil || strings.TrimSpace(c.Model) == "" {
		if c.ProviderType() == ProviderOpenAIAssistant {
			return defaultAssistantModel
		}
		return defaultAnthropicModel
	}
	return strings.TrimSpace(c.Model)
}

// KeyName is the environment variable (and keyring entry) holding the provider API key.
func (c *AssistantConfig) KeyName() string {
	if c != nil && strings.TrimSpace(c.APIKeyEnv) != "" {
		return strings.TrimSpace(c.APIKeyEnv)
	}
	if c.ProviderType() == ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// GuardConfig tunes the per-thread run guard. Zero values take the defaults.
type GuardConfig struct {
	WaitTimeoutMS         int `json:"wait_timeout_ms,omitempty" yaml:"wait_timeout_ms,omitempty"`
	PollIntervalMS        int `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
	CancelPauseMS         int `json:"cancel_pause_ms,omitempty" yaml:"cancel_pause_ms,omitempty"`
	RunStartPauseMS       int `json:"run_start_pause_ms,omitempty" yaml:"run_start_pause_ms,omitempty"`
	TurnTakeoverTimeoutMS int `json:"turn_takeover_timeout_ms,omitempty" yaml:"turn_takeover_timeout_ms,omitempty"`
	// LeaseTTLSeconds enables the cross-process thread lease when positive.
	LeaseTTLSeconds int `json:"lease_ttl_seconds,omitempty" yaml:"lease_ttl_seconds,omitempty"`
}

const (
	defaultWaitTimeout         = 5 * time.Second
	defaultPollInterval        = 500 * time.Millisecond
	defaultCancelPause         = time.Second
	defaultRunStartPause       = 500 * time.Millisecond
	defaultTurnTakeoverTimeout = 10 * time.Second
)

func (c *GuardConfig) Validate() error {
	if c == nil {
		return nil
	}
	for name, v := range map[string]int{
		"wait_timeout_ms":          c.WaitTimeoutMS,
		"poll_interval_ms":         c.PollIntervalMS,
		"cancel_pause_ms":          c.CancelPauseMS,
		"run_start_pause_ms":       c.RunStartPauseMS,
		"turn_takeover_timeout_ms": c.TurnTakeoverTimeoutMS,
		"lease_ttl_seconds":        c.LeaseTTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.PollIntervalMS > 0 && c.WaitTimeoutMS > 0 && c.PollIntervalMS > c.WaitTimeoutMS {
		return errors.New("poll_interval_ms must not exceed wait_timeout_ms")
	}
	return nil
}

func msOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func (c *GuardConfig) WaitTimeout() time.Duration   { return msOr(c.WaitTimeoutMS, defaultWaitTimeout) }
func (c *GuardConfig) PollInterval() time.Duration  { return msOr(c.PollIntervalMS, defaultPollInterval) }
func (c *GuardConfig) CancelPause() time.Duration   { return msOr(c.CancelPauseMS, defaultCancelPause) }
func (c *GuardConfig) RunStartPause() time.Duration { return msOr(c.RunStartPauseMS, defaultRunStartPause) }

func (c *GuardConfig) TurnTakeoverTimeout() time.Duration {
	return msOr(c.TurnTakeoverTimeoutMS, defaultTurnTakeoverTimeout)
}

// LeaseTTL is zero when leases are disabled.
func (c *GuardConfig) LeaseTTL() time.Duration {
	if c.LeaseTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

type CalendarConfig struct {
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty"`
	CalendarID string `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`
	MaxResults int    `json:"max_results,omitempty" yaml:"max_results,omitempty"`
}

func (c *CalendarConfig) Validate() error {
	switch c.ProviderType() {
	case CalendarGoogle, CalendarLocal:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if c.MaxResults < 0 || c.MaxResults > 2500 {
		return fmt.Errorf("max_results out of range: %d", c.MaxResults)
	}
	return nil
}

func (c *CalendarConfig) ProviderType() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return CalendarLocal
	}
	return p
}

func (c *CalendarConfig) ID() string {
	if strings.TrimSpace(c.CalendarID) == "" {
		return "primary"
	}
	return strings.TrimSpace(c.CalendarID)
}

func (c *CalendarConfig) Limit() int {
	if c.MaxResults <= 0 {
		return 50
	}
	return c.MaxResults
}

type WeatherConfig struct {
	Provider        string `json:"provider,omitempty" yaml:"provider,omitempty"`
	APIKeyEnv       string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	DefaultLocation string `json:"default_location,omitempty" yaml:"default_location,omitempty"`
}

func (c *WeatherConfig) Validate() error {
	switch c.ProviderType() {
	case WeatherStub, WeatherOpenWeatherMap:
		return nil
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
}

func (c *WeatherConfig) ProviderType() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return WeatherStub
	}
	return p
}

func (c *WeatherConfig) KeyName() string {
	if strings.TrimSpace(c.APIKeyEnv) != "" {
		return strings.TrimSpace(c.APIKeyEnv)
	}
	return "OPENWEATHER_API_KEY"
}

func (c *WeatherConfig) Location() string {
	if strings.TrimSpace(c.DefaultLocation) == "" {
		return "San Francisco, CA"
	}
	return strings.TrimSpace(c.DefaultLocation)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/aria-agent/internal/ai"
	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/threadstore"
	"github.com/floegence/aria-agent/internal/ai/tools"
	"github.com/floegence/aria-agent/internal/auditlog"
	"github.com/floegence/aria-agent/internal/calendar"
	"github.com/floegence/aria-agent/internal/config"
	"github.com/floegence/aria-agent/internal/settings"
	"github.com/floegence/aria-agent/internal/weather"
)

const assistantSetupTimeout = 30 * time.Second

// secretSource resolves API keys by name.
type secretSource interface {
	Lookup(name string) (string, settings.Source, error)
	Optional(name string) (string, error)
}

// app is the wired server-side object graph.
type app struct {
	svc     *ai.Service
	store   *threadstore.Store
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func guardTimings(g config.GuardConfig) ai.GuardTimings {
	return ai.GuardTimings{
		WaitTimeout:   g.WaitTimeout(),
		PollInterval:  g.PollInterval(),
		CancelPause:   g.CancelPause(),
		RunStartPause: g.RunStartPause(),
		LeaseTTL:      g.LeaseTTL(),
	}
}

func buildApp(ctx context.Context, cfg *config.Config, stateDir string, secrets secretSource, log *slog.Logger) (_ *app, err error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := threadstore.Open(filepath.Join(stateDir, "threads.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	audit, err := auditlog.New(auditlog.Options{Logger: log.With("component", "audit"), Dir: filepath.Join(stateDir, "audit")})
	if err != nil {
		return nil, fmt.Errorf("open tool audit log: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	reg := tools.NewRegistry(log.With("component", "tools"))

	cal, err := buildCalendar(cfg.Calendar, stateDir)
	if err != nil {
		return nil, err
	}
	if c, ok := cal.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	if err := tools.RegisterCalendarTools(reg, cal); err != nil {
		return nil, fmt.Errorf("register calendar tools: %w", err)
	}

	wx, err := buildWeather(cfg.Weather, secrets)
	if err != nil {
		return nil, err
	}
	if err := tools.RegisterWeatherTool(reg, wx, cfg.Weather.Location()); err != nil {
		return nil, fmt.Errorf("register weather tool: %w", err)
	}

	p, err := buildProvider(ctx, cfg.Assistant, stateDir, reg, store, secrets, log.With("component", "provider"))
	if err != nil {
		return nil, err
	}

	svc, err := ai.NewService(ai.Options{
		Logger:              log.With("component", "chat"),
		Provider:            p,
		Tools:               reg,
		Store:               store,
		Audit:               audit,
		Guard:               guardTimings(cfg.Guard),
		TurnTakeoverTimeout: cfg.Guard.TurnTakeoverTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("init chat service: %w", err)
	}
	a.svc = svc
	return a, nil
}

func buildCalendar(c config.CalendarConfig, stateDir string) (calendar.Service, error) {
	switch c.ProviderType() {
	case config.CalendarGoogle:
		return calendar.NewGoogle(calendar.GoogleOptions{CalendarID: c.ID(), MaxResults: c.Limit()}), nil
	default:
		s, err := calendar.OpenLocal(filepath.Join(stateDir, "calendar.sqlite"), calendar.LocalOptions{})
		if err != nil {
			return nil, fmt.Errorf("open local calendar: %w", err)
		}
		return s, nil
	}
}

func buildWeather(c config.WeatherConfig, secrets secretSource) (weather.Provider, error) {
	if c.ProviderType() != config.WeatherOpenWeatherMap {
		return weather.Stub{}, nil
	}
	key, err := secrets.Optional(c.KeyName())
	if err != nil {
		return nil, fmt.Errorf("read weather api key: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("weather provider openweathermap needs %s (env or `aria-agent secret set %s`)", c.KeyName(), c.KeyName())
	}
	return &weather.OpenWeatherMap{APIKey: key}, nil
}

func buildProvider(ctx context.Context, c config.AssistantConfig, stateDir string, reg *tools.Registry, store *threadstore.Store, secrets secretSource, log *slog.Logger) (provider.Provider, error) {
	key, src, err := secrets.Lookup(c.KeyName())
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return nil, fmt.Errorf("assistant api key %s is not configured (set the env var or run `aria-agent secret set %s`)", c.KeyName(), c.KeyName())
		}
		return nil, err
	}
	log.Info("assistant provider configured", "provider", c.ProviderType(), "key_source", string(src))

	switch c.ProviderType() {
	case config.ProviderAnthropic:
		return provider.NewAnthropic(provider.AnthropicOptions{
			APIKey:       key,
			BaseURL:      c.BaseURL,
			Model:        c.ModelName(),
			MaxTokens:    c.MaxTokens,
			Instructions: c.Instructions,
			Tools:        reg.Definitions(),
			Store:        store,
			Log:          log,
		})
	default:
		return buildOpenAIAssistant(ctx, c, stateDir, key, reg, log)
	}
}

// buildOpenAIAssistant resolves the assistant id (config first, then the one kept in the state
// dir) and makes sure the assistant carries the registered tools.
func buildOpenAIAssistant(ctx context.Context, c config.AssistantConfig, stateDir string, key string, reg *tools.Registry, log *slog.Logger) (*provider.OpenAIAssistant, error) {
	idPath := filepath.Join(stateDir, "assistant_id")
	id := strings.TrimSpace(c.AssistantID)
	if id == "" {
		if b, err := os.ReadFile(idPath); err == nil {
			id = strings.TrimSpace(string(b))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read assistant id: %w", err)
		}
	}

	p, err := provider.NewOpenAIAssistant(provider.OpenAIOptions{
		APIKey:      key,
		BaseURL:     c.BaseURL,
		AssistantID: id,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, assistantSetupTimeout)
	defer cancel()
	ensured, err := p.EnsureAssistant(ctx, provider.AssistantSpec{
		Model:        c.ModelName(),
		Instructions: c.Instructions,
		Tools:        reg.Definitions(),
	})
	if err != nil {
		return nil, fmt.Errorf("prepare openai assistant: %w", err)
	}
	if ensured != id {
		if err := os.WriteFile(idPath, []byte(ensured+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("save assistant id: %w", err)
		}
	}
	return p, nil
}

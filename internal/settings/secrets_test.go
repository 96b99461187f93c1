package settings

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func newTestSecrets(env map[string]string) *Secrets {
	keyring.MockInit()
	return &Secrets{service: KeyringService, getenv: func(k string) string { return env[k] }}
}

// Not parallel: the keyring mock is process-global.
func TestSecrets_EnvWinsOverKeyring(t *testing.T) {
	s := newTestSecrets(map[string]string{"OPENAI_API_KEY": " sk-env "})
	if err := s.Set("OPENAI_API_KEY", "sk-ring"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, src, err := s.Lookup("OPENAI_API_KEY")
	if err != nil || v != "sk-env" || src != SourceEnv {
		t.Fatalf("v=%q src=%q err=%v", v, src, err)
	}
}

func TestSecrets_KeyringFallbackAndDelete(t *testing.T) {
	s := newTestSecrets(nil)
	if err := s.Set("ANTHROPIC_API_KEY", "sk-ant"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, src, err := s.Lookup("ANTHROPIC_API_KEY")
	if err != nil || v != "sk-ant" || src != SourceKeyring {
		t.Fatalf("v=%q src=%q err=%v", v, src, err)
	}
	if err := s.Delete("ANTHROPIC_API_KEY"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Lookup("ANTHROPIC_API_KEY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after delete err=%v", err)
	}
	if err := s.Delete("ANTHROPIC_API_KEY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err=%v", err)
	}
}

func TestSecrets_OptionalAndValidation(t *testing.T) {
	s := newTestSecrets(nil)
	if v, err := s.Optional("OPENWEATHER_API_KEY"); err != nil || v != "" {
		t.Fatalf("Optional v=%q err=%v", v, err)
	}
	if err := s.Set("X", "   "); err == nil {
		t.Fatalf("empty secret accepted")
	}
	if _, _, err := s.Lookup(" "); err == nil {
		t.Fatalf("empty name accepted")
	}
}

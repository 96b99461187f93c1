package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service under which aria-agent stores secrets.
const KeyringService = "aria-agent"

// ErrNotFound indicates the secret is neither in the environment nor in the keyring.
var ErrNotFound = errors.New("secret not found")

type Source string

const (
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
)

// Secrets resolves API keys by name: the environment variable of that name first, then the OS
// keyring entry of that name.
//
// Secrets are never written to the config file and never logged. Callers only report the Source.
type Secrets struct {
	service string
	getenv  func(string) string
}

func NewSecrets() *Secrets {
	return &Secrets{service: KeyringService, getenv: os.Getenv}
}

func (s *Secrets) Lookup(name string) (string, Source, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", errors.New("missing secret name")
	}
	if v := strings.TrimSpace(s.getenv(name)); v != "" {
		return v, SourceEnv, nil
	}
	v, err := keyring.Get(s.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", "", fmt.Errorf("read secret %q: %w", name, err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, SourceKeyring, nil
}

// Optional is Lookup for secrets a feature can run without: a missing secret yields "".
func (s *Secrets) Optional(name string) (string, error) {
	v, _, err := s.Lookup(name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Secrets) Set(name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing secret name")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("secret %q cannot be empty", name)
	}
	if err := keyring.Set(s.service, name, value); err != nil {
		return fmt.Errorf("store secret %q: %w", name, err)
	}
	return nil
}

func (s *Secrets) Delete(name string) error {
	name = strings.TrimSpace(name)
	if err := keyring.Delete(s.service, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	return nil
}

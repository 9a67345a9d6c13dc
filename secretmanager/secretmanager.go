// Package secretmanager resolves the API credential the transport needs
// to authenticate to the realtime endpoint, from one of several
// backends. Adapted from the teacher's secret manager, trimmed to the
// credential-name/credential-value shape this spec needs and dropping
// the interceptor/local-config machinery the original carried for its
// broader LLM-provider surface.
package secretmanager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned by every backend when the named
// credential is absent, so CompositeSecretManager can fall through to
// the next backend without inspecting backend-specific error types.
var ErrSecretNotFound = errors.New("secret not found")

// SecretManager resolves a named credential to its value.
type SecretManager interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvSecretManager resolves credentials from environment variables,
// uppercased with a fixed prefix (e.g. name "api-key" -> REALTIME_API_KEY).
type EnvSecretManager struct {
	Prefix string
}

func NewEnvSecretManager(prefix string) *EnvSecretManager {
	return &EnvSecretManager{Prefix: prefix}
}

func (m *EnvSecretManager) Get(_ context.Context, name string) (string, error) {
	key := m.Prefix + envKey(name)
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: env var %s", ErrSecretNotFound, key)
}

func envKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 32
		case c == '-':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// KeyringSecretManager resolves credentials from the OS-native secret
// store via zalando/go-keyring.
type KeyringSecretManager struct {
	Service string
}

func NewKeyringSecretManager(service string) *KeyringSecretManager {
	return &KeyringSecretManager{Service: service}
}

func (m *KeyringSecretManager) Get(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(m.Service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keyring entry %s/%s", ErrSecretNotFound, m.Service, name)
		}
		return "", fmt.Errorf("keyring lookup failed: %w", err)
	}
	return v, nil
}

func (m *KeyringSecretManager) Set(name, value string) error {
	return keyring.Set(m.Service, name, value)
}

// CompositeSecretManager tries each backend in order, returning the
// first resolved value. It returns ErrSecretNotFound only if every
// backend misses.
type CompositeSecretManager struct {
	Backends []SecretManager
}

func NewCompositeSecretManager(backends ...SecretManager) *CompositeSecretManager {
	return &CompositeSecretManager{Backends: backends}
}

func (m *CompositeSecretManager) Get(ctx context.Context, name string) (string, error) {
	for _, b := range m.Backends {
		v, err := b.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// MockSecretManager is an in-memory backend for tests.
type MockSecretManager struct {
	Values map[string]string
}

func NewMockSecretManager(values map[string]string) *MockSecretManager {
	if values == nil {
		values = map[string]string{}
	}
	return &MockSecretManager{Values: values}
}

func (m *MockSecretManager) Get(_ context.Context, name string) (string, error) {
	if v, ok := m.Values[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Package secrets resolves the marker value injected on write requests.
// The value is read once at startup and never refreshed.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"storefront-edge/internal/config"
)

// ErrSecretNotFound is returned when a provider has no value for the marker.
var ErrSecretNotFound = errors.New("secret not found")

const resolveTimeout = 10 * time.Second

// MarkerValue is the resolved value of the injected marker header.
type MarkerValue string

// Source yields the marker value.
type Source interface {
	Name() string
	Lookup(ctx context.Context) (string, error)
}

// StaticSource returns a fixed value from the config file or CLI.
type StaticSource struct {
	Value string
}

// Name implements Source.
func (s StaticSource) Name() string { return "static" }

// Lookup implements Source.
func (s StaticSource) Lookup(context.Context) (string, error) {
	return s.Value, nil
}

// EnvSource reads an environment variable and falls back to a default when
// the variable is unset or empty.
type EnvSource struct {
	Var      string
	Fallback string
}

// Name implements Source.
func (s EnvSource) Name() string { return "env" }

// Lookup implements Source.
func (s EnvSource) Lookup(context.Context) (string, error) {
	if v, ok := os.LookupEnv(s.Var); ok && v != "" {
		return v, nil
	}
	return s.Fallback, nil
}

// NewSource picks the configured provider.
func NewSource(cfg *config.Config) (Source, error) {
	switch strings.ToLower(cfg.Secrets.Provider) {
	case "", "static":
		return StaticSource{Value: cfg.Routing.MarkerValue}, nil
	case "env":
		return EnvSource{Var: cfg.Secrets.EnvVar, Fallback: cfg.Routing.MarkerValue}, nil
	case "vault":
		return NewVaultSource(cfg.Secrets.Vault)
	default:
		return nil, fmt.Errorf("secrets: unknown provider %q", cfg.Secrets.Provider)
	}
}

// Resolve looks up the marker value once. An empty result is an error: the
// backend would otherwise see a marker header with no value.
func Resolve(cfg *config.Config, logger *slog.Logger) (MarkerValue, error) {
	src, err := NewSource(cfg)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	v, err := src.Lookup(ctx)
	if err != nil {
		return "", fmt.Errorf("secrets: %s lookup: %w", src.Name(), err)
	}
	if v == "" {
		return "", fmt.Errorf("secrets: %s lookup: %w", src.Name(), ErrSecretNotFound)
	}

	logger.Info("marker value resolved", "provider", src.Name())
	return MarkerValue(v), nil
}

package secrets

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"storefront-edge/internal/config"
)

// VaultSource reads the marker value from a KV v2 secrets engine.
type VaultSource struct {
	client *vaultapi.Client
	mount  string
	path   string
	key    string
}

// NewVaultSource creates a Vault client for cfg. An empty token falls back to
// VAULT_TOKEN from the environment.
func NewVaultSource(cfg config.VaultConfig) (*VaultSource, error) {
	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("vault: read environment: %w", apiConfig.Error)
	}
	apiConfig.Address = cfg.Address

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultSource{
		client: client,
		mount:  cfg.Mount,
		path:   cfg.Path,
		key:    cfg.Key,
	}, nil
}

// Name implements Source.
func (s *VaultSource) Name() string { return "vault" }

// Lookup implements Source.
func (s *VaultSource) Lookup(ctx context.Context) (string, error) {
	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	// KV v2 nests the payload under "data"; deleted versions carry data: null.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}
	v, ok := data[s.key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s key %q: %w", fullPath, s.key, ErrSecretNotFound)
	}
	return v, nil
}

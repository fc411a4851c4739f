package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultConfig contains configuration for the HashiCorp Vault source
type VaultConfig struct {
	// Vault server address (e.g., "https://vault.example.com:8200")
	Address string

	// Token for token authentication
	Token string

	// Vault namespace (Vault Enterprise)
	Namespace string

	// KV v2 secrets engine mount path (default: "secret")
	MountPath string
}

// VaultSource reads fields from a KV v2 secrets engine.
type VaultSource struct {
	client    *vault.Client
	mountPath string
	logger    *zap.Logger
}

// NewVaultSource creates a token-authenticated Vault client.
func NewVaultSource(cfg VaultConfig, logger *zap.Logger) (*VaultSource, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required for token auth")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}

	logger.Info("Vault source initialized",
		zap.String("address", cfg.Address),
		zap.String("mount_path", mount),
	)

	return &VaultSource{client: client, mountPath: mount, logger: logger}, nil
}

// GetSecret reads field from the latest version of the secret at path.
func (s *VaultSource) GetSecret(ctx context.Context, path, field string) (string, error) {
	fullPath := s.dataPath(path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		s.logger.Error("Failed to read secret from Vault",
			zap.String("path", fullPath),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secret %s is not a KV v2 secret", path)
	}
	if field == "" {
		field = defaultField
	}
	v, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string field %q", path, field)
	}
	return v, nil
}

// dataPath maps "payments/provider" to "secret/data/payments/provider".
func (s *VaultSource) dataPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	if strings.HasPrefix(path, s.mountPath+"/data/") {
		return path
	}
	path = strings.TrimPrefix(path, s.mountPath+"/")
	return s.mountPath + "/data/" + path
}

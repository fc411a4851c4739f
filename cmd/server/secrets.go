package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kevin07696/refund-reconciler/internal/adapters/secrets"
	"github.com/kevin07696/refund-reconciler/internal/config"
)

// resolveGatewayCredential swaps a credential reference (file:, aws-sm:,
// vault:) for the secret it names. Literal credentials pass through without
// touching any backend.
//
// Backends are enabled by their settings:
//   - SECRETS_LOCAL_PATH: base directory for file: references
//   - AWS_REGION: enables aws-sm: references
//   - VAULT_ADDR, VAULT_TOKEN: enable vault: references
func resolveGatewayCredential(ctx context.Context, cfg config.Config, logger *zap.Logger) (config.Config, error) {
	if !secrets.IsReference(cfg.Gateway.Credential) {
		return cfg, nil
	}

	resolver := secrets.NewResolver(logger)

	if cfg.Secrets.LocalPath != "" {
		resolver.WithLocal(secrets.NewLocalSource(cfg.Secrets.LocalPath, logger))
	}

	if cfg.Secrets.AWSRegion != "" {
		src, err := secrets.NewAWSSource(ctx, secrets.AWSSecretsManagerConfig{Region: cfg.Secrets.AWSRegion}, logger)
		if err != nil {
			return cfg, fmt.Errorf("init AWS Secrets Manager: %w", err)
		}
		resolver.WithAWS(src)
	}

	if cfg.Secrets.VaultAddress != "" {
		src, err := secrets.NewVaultSource(secrets.VaultConfig{
			Address: cfg.Secrets.VaultAddress,
			Token:   cfg.Secrets.VaultToken,
		}, logger)
		if err != nil {
			return cfg, fmt.Errorf("init Vault: %w", err)
		}
		resolver.WithVault(src)
	}

	credential, err := resolver.Resolve(ctx, cfg.Gateway.Credential)
	if err != nil {
		return cfg, fmt.Errorf("resolve gateway credential: %w", err)
	}
	return cfg.WithGatewayCredential(credential), nil
}

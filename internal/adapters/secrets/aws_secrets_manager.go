package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"
)

// AWSSecretsManagerConfig contains configuration for the AWS Secrets Manager source
type AWSSecretsManagerConfig struct {
	// AWS Region (e.g., "us-east-1")
	Region string

	// Optional: AWS profile name (for local development)
	Profile string

	// Optional: Custom endpoint (for LocalStack testing)
	Endpoint string
}

// AWSSource reads secrets from AWS Secrets Manager.
type AWSSource struct {
	client *secretsmanager.Client
	logger *zap.Logger
}

// NewAWSSource loads the default AWS credential chain for the region.
func NewAWSSource(ctx context.Context, cfg AWSSecretsManagerConfig, logger *zap.Logger) (*AWSSource, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOptions []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	logger.Info("AWS Secrets Manager source initialized", zap.String("region", cfg.Region))

	return &AWSSource{
		client: secretsmanager.NewFromConfig(awsConfig, clientOptions...),
		logger: logger,
	}, nil
}

// GetSecret fetches the current version of secretID. When field is set the
// secret string is decoded as a JSON object and that key is returned.
func (s *AWSSource) GetSecret(ctx context.Context, secretID, field string) (string, error) {
	start := time.Now()
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		s.logger.Error("Failed to retrieve secret",
			zap.String("secret_id", secretID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	s.logger.Debug("Secret retrieved from AWS",
		zap.String("secret_id", secretID),
		zap.String("version", aws.ToString(result.VersionId)),
		zap.Duration("elapsed", time.Since(start)),
	)

	value := aws.ToString(result.SecretString)
	if field == "" {
		return value, nil
	}

	var structured map[string]string
	if err := json.Unmarshal([]byte(value), &structured); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	v, ok := structured[field]
	if !ok {
		return "", fmt.Errorf("secret %s has no field %q", secretID, field)
	}
	return v, nil
}

package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalSource reads secrets from files under a base directory.
// WARNING: This is for development only. Use AWS Secrets Manager or Vault in production.
type LocalSource struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalSource creates a filesystem secret source rooted at basePath.
func NewLocalSource(basePath string, logger *zap.Logger) *LocalSource {
	return &LocalSource{basePath: basePath, logger: logger}
}

// GetSecret reads basePath/secretPath. JSON files of the form
// {"value": "..."} are unwrapped; anything else is returned as text.
func (s *LocalSource) GetSecret(_ context.Context, secretPath, field string) (string, error) {
	clean := filepath.Clean("/" + secretPath)
	filePath := filepath.Join(s.basePath, clean)

	s.logger.Debug("Reading secret from filesystem", zap.String("path", clean))

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret not found: %s", secretPath)
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	var structured map[string]interface{}
	if err := json.Unmarshal(data, &structured); err == nil {
		if field == "" {
			field = defaultField
		}
		v, ok := structured[field].(string)
		if !ok {
			return "", fmt.Errorf("secret %s has no string field %q", secretPath, field)
		}
		return v, nil
	}

	return strings.TrimSpace(string(data)), nil
}

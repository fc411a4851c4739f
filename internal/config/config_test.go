package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("GATEWAY_BASE_URL", "https://provider.example")
	t.Setenv("GATEWAY_CREDENTIAL", "sk_test_123")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ProviderHTTP, cfg.Gateway.Provider)
	assert.Equal(t, 30*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, 3, cfg.Refund.MaxRetries)
	assert.Equal(t, time.Second, cfg.Refund.RetryDelay)
	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, StoragePostgres, cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadFromEnv_RefundSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REFUND_MAX_RETRIES", "5")
	t.Setenv("REFUND_RETRY_DELAY_SECONDS", "0.25")
	t.Setenv("GATEWAY_CALL_TIMEOUT_SECONDS", "10")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Refund.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Refund.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Gateway.CallTimeout)
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing credential",
			env:     map[string]string{"GATEWAY_CREDENTIAL": ""},
			wantErr: "GATEWAY_CREDENTIAL is required",
		},
		{
			name:    "missing base url for http provider",
			env:     map[string]string{"GATEWAY_BASE_URL": ""},
			wantErr: "GATEWAY_BASE_URL is required",
		},
		{
			name:    "unknown provider",
			env:     map[string]string{"GATEWAY_PROVIDER": "paypal"},
			wantErr: "Provider",
		},
		{
			name:    "zero retries",
			env:     map[string]string{"REFUND_MAX_RETRIES": "0"},
			wantErr: "MaxRetries",
		},
		{
			name:    "non-positive call timeout",
			env:     map[string]string{"GATEWAY_CALL_TIMEOUT_SECONDS": "0"},
			wantErr: "GATEWAY_CALL_TIMEOUT_SECONDS",
		},
		{
			name:    "invalid base url",
			env:     map[string]string{"GATEWAY_BASE_URL": "not a url"},
			wantErr: "BaseURL",
		},
		{
			name:    "missing db password with postgres storage",
			env:     map[string]string{"DB_PASSWORD": ""},
			wantErr: "DB_PASSWORD is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv_SandboxWithMemoryStorage(t *testing.T) {
	t.Setenv("GATEWAY_PROVIDER", ProviderSandbox)
	t.Setenv("STORAGE_DRIVER", StorageMemory)
	t.Setenv("GATEWAY_CREDENTIAL", "")
	t.Setenv("DB_PASSWORD", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ProviderSandbox, cfg.Gateway.Provider)
}

func TestConfig_WithGatewayCredentialReturnsCopy(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEWAY_CREDENTIAL", "vault:secret/data/gateway#api_key")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	resolved := cfg.WithGatewayCredential("sk_live_abc")
	assert.Equal(t, "sk_live_abc", resolved.Gateway.Credential)
	assert.Equal(t, "vault:secret/data/gateway#api_key", cfg.Gateway.Credential)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("REFUND_DOTENV_PROBE=from-file\n"), 0o600))
	t.Setenv("REFUND_DOTENV_PROBE", "")
	os.Unsetenv("REFUND_DOTENV_PROBE")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("REFUND_DOTENV_PROBE"))
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "refunds", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=refunds sslmode=disable", c.ConnectionString())
}

// Package secrets resolves credential references into secret values at startup.
//
// A reference is one of:
//
//	literal-value              used as is
//	file:relative/path         read from the local secrets directory
//	aws-sm:secret-id           AWS Secrets Manager
//	vault:kv/path#field        HashiCorp Vault KV v2, field defaults to "value"
package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	schemeFile  = "file:"
	schemeAWS   = "aws-sm:"
	schemeVault = "vault:"

	defaultField    = "value"
	defaultCacheTTL = 5 * time.Minute
)

// Source reads one secret value. field selects a key inside structured
// secrets and is empty for plain ones.
type Source interface {
	GetSecret(ctx context.Context, path, field string) (string, error)
}

// Resolver dispatches references to the configured sources and caches results.
type Resolver struct {
	sources map[string]Source
	cache   *cache.Cache
	logger  *zap.Logger
}

// NewResolver creates a resolver with no remote sources configured.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{
		sources: make(map[string]Source),
		cache:   cache.New(defaultCacheTTL, 2*defaultCacheTTL),
		logger:  logger,
	}
}

// WithLocal enables file: references.
func (r *Resolver) WithLocal(src Source) *Resolver {
	r.sources[schemeFile] = src
	return r
}

// WithAWS enables aws-sm: references.
func (r *Resolver) WithAWS(src Source) *Resolver {
	r.sources[schemeAWS] = src
	return r
}

// WithVault enables vault: references.
func (r *Resolver) WithVault(src Source) *Resolver {
	r.sources[schemeVault] = src
	return r
}

// IsReference reports whether value names a secret instead of carrying it.
func IsReference(value string) bool {
	_, _, _, ok := parse(value)
	return ok
}

// Resolve returns the secret for ref. Values without a known scheme are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, field, ok := parse(ref)
	if !ok {
		return ref, nil
	}

	if v, found := r.cache.Get(ref); found {
		return v.(string), nil
	}

	src, configured := r.sources[scheme]
	if !configured {
		return "", fmt.Errorf("secret source %q is not configured", strings.TrimSuffix(scheme, ":"))
	}

	start := time.Now()
	value, err := src.GetSecret(ctx, path, field)
	if err != nil {
		return "", fmt.Errorf("resolve %s%s: %w", scheme, path, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("secret %s%s is empty", scheme, path)
	}

	r.logger.Info("Secret resolved",
		zap.String("source", strings.TrimSuffix(scheme, ":")),
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(start)),
	)
	r.cache.SetDefault(ref, value)
	return value, nil
}

func parse(ref string) (scheme, path, field string, ok bool) {
	for _, s := range []string{schemeFile, schemeAWS, schemeVault} {
		if !strings.HasPrefix(ref, s) {
			continue
		}
		path = strings.TrimPrefix(ref, s)
		if s == schemeVault {
			field = defaultField
			if i := strings.LastIndex(path, "#"); i >= 0 {
				path, field = path[:i], path[i+1:]
			}
		}
		return s, path, field, path != ""
	}
	return "", "", "", false
}

package refund

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const keyScope = "refund"

// DeriveIdempotencyKey builds a stable key for a refund from the payment, the
// amount and a caller nonce. The same inputs always produce the same key.
func DeriveIdempotencyKey(externalID string, amount int64, nonce string) string {
	return generateKey(keyScope, map[string]interface{}{
		"external_id": externalID,
		"amount":      amount,
		"nonce":       nonce,
	})
}

// NewNonce returns a random nonce for callers that supply neither a key nor a nonce.
func NewNonce() string {
	return uuid.NewString()
}

func generateKey(scope string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(scope)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(":%s=%v", k, params[k]))
	}

	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s-%s", scope, hex.EncodeToString(hash[:16]))
}

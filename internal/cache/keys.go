package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// IdempotencyKey scopes a client-supplied Idempotency-Key header to the
// submitting principal. The header value is hashed so arbitrary client input
// never ends up in the key space verbatim.
func IdempotencyKey(principal, headerValue string) string {
	sum := sha256.Sum256([]byte(headerValue))
	return fmt.Sprintf("idempotency:%s:%s", principal, hex.EncodeToString(sum[:16]))
}

package edge

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth validates spec section 6.2's X-API-Key header
// ("gb_<service>_<64 hex>") against a set of sha256 hashes, never the raw
// key itself, compared in constant time. SkipAPIKeyAuth accepts any
// non-empty header for local development.
func APIKeyAuth(validHashes []string, skip bool) gin.HandlerFunc {
	hashSet := make(map[string]struct{}, len(validHashes))
	for _, h := range validHashes {
		hashSet[h] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-API-Key required"})
			return
		}
		if skip {
			c.Next()
			return
		}

		sum := sha256.Sum256([]byte(key))
		digest := hex.EncodeToString(sum[:])

		match := false
		for h := range hashSet {
			if subtle.ConstantTimeCompare([]byte(h), []byte(digest)) == 1 {
				match = true
				break
			}
		}
		if !match {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

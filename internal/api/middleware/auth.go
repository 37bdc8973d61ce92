// Package middleware provides Gin middleware for the HTTP dispatch surface:
// API-key authentication.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth validates inbound requests against the configured API-key set.
// It accepts the key from Authorization: Bearer, X-Goog-Api-Key, X-Api-Key,
// or the "key"/"auth_token" query parameters, mirroring the header shapes
// each native provider wire format uses for its own credential.
// When keys is empty, authentication is disabled (open proxy).
func APIKeyAuth(keys []string) gin.HandlerFunc {
	allowed := normalizeKeys(keys)
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		candidate := extractCandidateKey(c)
		if candidate == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"message": "missing API key",
				"type":    "authentication_error",
				"code":    "no_credentials",
			}})
			return
		}
		if _, ok := allowed[candidate]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"message": "invalid API key",
				"type":    "authentication_error",
				"code":    "invalid_api_key",
			}})
			return
		}
		c.Next()
	}
}

func extractCandidateKey(c *gin.Context) string {
	if bearer := extractBearerToken(c.GetHeader("Authorization")); bearer != "" {
		return bearer
	}
	if v := strings.TrimSpace(c.GetHeader("X-Goog-Api-Key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader("X-Api-Key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("auth_token")); v != "" {
		return v
	}
	return ""
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return header
	}
	return strings.TrimSpace(parts[1])
}

func normalizeKeys(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

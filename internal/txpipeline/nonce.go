package txpipeline

import "strings"

var nonceErrorPatterns = []string{
	"nonce too low",
	"nonce too high",
	"invalid nonce",
	"replacement transaction underpriced",
	"nonce has already been used",
}

// IsNonceError reports whether a node error message describes a nonce
// conflict. Matching is case-insensitive.
func IsNonceError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range nonceErrorPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

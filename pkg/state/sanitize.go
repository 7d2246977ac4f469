package state

import (
	"strings"
)

// sensitiveKeyPatterns contains patterns that indicate a key holds sensitive data.
var sensitiveKeyPatterns = []string{
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"KEY",
	"CREDENTIAL",
	"API_KEY",
	"APIKEY",
	"AUTH",
	"PRIVATE",
	"CERT",
	"PASSPHRASE",
}

// redactedValue is the placeholder for redacted values.
const redactedValue = "[REDACTED]"

// SanitizeEnv returns a copy of the environment map with sensitive values redacted.
// Keys containing patterns like PASSWORD, SECRET, TOKEN, KEY, CREDENTIAL, etc.
// will have their values replaced with "[REDACTED]".
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}

	result := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveKey(k) {
			result[k] = redactedValue
		} else {
			result[k] = v
		}
	}
	return result
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

package logging

import "strings"

const redactedValue = "[redacted]"

var secretKeys = map[string]bool{
	"password":      true,
	"passphrase":    true,
	"secret":        true,
	"seed":          true,
	"private_key":   true,
	FieldAuthTicket: true,
}

var secretSuffixes = []string{"_password", "_secret", "_seed", "_private_key"}

// isSecretKey reports whether values under key must never reach a log sink.
// Grouped keys are judged by their last segment.
func isSecretKey(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	key = strings.ToLower(key)
	if secretKeys[key] {
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

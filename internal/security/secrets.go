package security

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum length for the GitHub webhook secret.
	MinSecretLength = 32

	// MinEntropy is the minimum Shannon entropy for the webhook secret.
	MinEntropy = 3.5
)

var placeholderSecrets = []string{"replace", "changeme", "secret", "password", "example"}

// ValidateWebhookSecret checks that a webhook secret is long and random
// enough to be worth verifying signatures against.
func ValidateWebhookSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("webhook secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	for _, p := range placeholderSecrets {
		if strings.Contains(lower, p) {
			return fmt.Errorf("webhook secret appears to be a placeholder value")
		}
	}

	if entropy := shannonEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("webhook secret has insufficient entropy (%.2f < %.2f)", entropy, MinEntropy)
	}

	return nil
}

// shannonEntropy returns the per-character Shannon entropy of s in bits.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

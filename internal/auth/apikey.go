package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
	keyScheme    = "mf"
)

// GenerateKey creates a new API key with the format: mf-{env}-{32 random alphanumeric chars}.
// env must be lowercase alphanumeric so the key splits back into its parts.
func GenerateKey(env string) (string, error) {
	if env == "" || strings.Trim(env, alphanumeric) != "" {
		return "", fmt.Errorf("invalid key environment %q: want lowercase letters and digits", env)
	}
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", keyScheme, env, random), nil
}

// HashKey returns the SHA-256 hex digest of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)
}

// KeyPrefix extracts a display-safe prefix from a key: mf-{env}-{first 8 chars}.
// Tokens that are not meshforge keys are masked after four characters, since
// they are logged when authentication fails.
func KeyPrefix(key string) string {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) == 3 && parts[0] == keyScheme && parts[1] != "" && len(parts[2]) >= 8 {
		return parts[0] + "-" + parts[1] + "-" + parts[2][:8]
	}
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "***"
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// KeyMetadata holds the cached metadata for an API key. Nil limits fall
// back to the configured defaults.
type KeyMetadata struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Owner                string    `json:"owner"`
	RPMLimit             *int      `json:"rpm_limit,omitempty"`
	DailyGenerationLimit *int      `json:"daily_generation_limit,omitempty"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// ParseDuration parses a duration string like "365d", "30d", "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	last := s[len(s)-1]
	if last == 'd' {
		var days int
		_, err := fmt.Sscanf(s, "%dd", &days)
		if err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

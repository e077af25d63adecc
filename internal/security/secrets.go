package security

import (
	"errors"
	"os"
	"strings"
)

// MinSecretLen is the minimum length in bytes of an HMAC signing secret.
const MinSecretLen = 32

// ErrInvalidSecret is returned when a secret is empty, unreadable, or too short.
var ErrInvalidSecret = errors.New("invalid secret")

const secretFilePrefix = "file:"

// LoadSecret returns the secret bytes for s. A value of the form "file:/path"
// is read from disk (surrounding whitespace trimmed); anything else is used
// inline. The result must be at least MinSecretLen bytes.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidSecret
	}
	var b []byte
	if path, ok := strings.CutPrefix(s, secretFilePrefix); ok {
		raw, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, err
		}
		b = []byte(strings.TrimSpace(string(raw)))
	} else {
		b = []byte(s)
	}
	if len(b) < MinSecretLen {
		return nil, ErrInvalidSecret
	}
	return b, nil
}

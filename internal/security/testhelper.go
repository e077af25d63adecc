package security

import "time"

// Test secrets for unit tests only. Do not use in production.
const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-0123456789abcdef"
)

// NewTestTokenCodec returns a codec using the embedded test secrets, a 15m
// access TTL and a 30-day refresh TTL. For unit tests only.
func NewTestTokenCodec() (*TokenCodec, error) {
	return NewTokenCodec(TokenConfig{
		AccessSecret:  []byte(testAccessSecret),
		RefreshSecret: []byte(testRefreshSecret),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    30 * 24 * time.Hour,
	})
}

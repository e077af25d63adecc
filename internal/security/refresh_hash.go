package security

import (
	"github.com/alexedwards/argon2id"
)

// RefreshHashParams are the argon2id parameters for refresh token hashes.
// Refresh tokens are high-entropy, so a light memory cost is enough.
var RefreshHashParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashRefreshToken returns a salted argon2id hash of the refresh token in PHC
// string format. The raw token cannot be recovered from it.
func HashRefreshToken(token string) (string, error) {
	return argon2id.CreateHash(token, RefreshHashParams)
}

// VerifyRefreshToken reports whether token matches the stored hash. A
// malformed stored hash is reported as a mismatch.
func VerifyRefreshToken(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	ok, err := argon2id.ComparePasswordAndHash(token, storedHash)
	return err == nil && ok
}

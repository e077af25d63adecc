package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for any token that fails verification: bad
	// signature, expiry, wrong method, or a malformed claim set. Callers cannot
	// tell these apart.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidTokenConfig is returned by NewTokenCodec for unusable secrets or TTLs.
	ErrInvalidTokenConfig = errors.New("invalid token config")
)

// Role is the user role carried in access tokens.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

// AccessClaims is the claim set of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role     Role  `json:"role"`
	IsActive *bool `json:"isActive"`
}

// UserID returns the subject.
func (c *AccessClaims) UserID() string { return c.Subject }

// Active reports the active flag; false when absent.
func (c *AccessClaims) Active() bool { return c.IsActive != nil && *c.IsActive }

// RefreshClaims is the claim set of a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
}

// UserID returns the subject.
func (c *RefreshClaims) UserID() string { return c.Subject }

// TokenConfig is the process-wide token configuration. It is copied into the
// codec at construction and never mutated afterwards.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenCodec mints and verifies HS256 access and refresh tokens. Access and
// refresh tokens are signed with different secrets.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenCodec validates cfg and returns a codec using the wall clock.
func NewTokenCodec(cfg TokenConfig) (*TokenCodec, error) {
	if len(cfg.AccessSecret) < MinSecretLen || len(cfg.RefreshSecret) < MinSecretLen {
		return nil, ErrInvalidTokenConfig
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, ErrInvalidTokenConfig
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, ErrInvalidTokenConfig
	}
	return &TokenCodec{
		accessSecret:  append([]byte(nil), cfg.AccessSecret...),
		refreshSecret: append([]byte(nil), cfg.RefreshSecret...),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	cp := *c
	cp.now = now
	return &cp
}

// AccessTTL returns the access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// MintAccess issues an access token for userID with the given role and active flag.
// Returns the token and its expiry.
func (c *TokenCodec) MintAccess(userID string, role Role, isActive bool) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := c.now().UTC().Truncate(jwt.TimePrecision)
	exp := now.Add(c.accessTTL)
	active := isActive
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:     role,
		IsActive: &active,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.accessSecret)
	return token, exp, err
}

// MintRefresh issues a refresh token bound to userID and deviceID. Returns the
// token and its expiry.
func (c *TokenCodec) MintRefresh(userID, deviceID string) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := c.now().UTC().Truncate(jwt.TimePrecision)
	exp := now.Add(c.refreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		DeviceID: deviceID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.refreshSecret)
	return token, exp, err
}

// VerifyAccess checks signature and expiry, then the claim shape: sub is a
// UUID, role is known and isActive is present.
func (c *TokenCodec) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(tokenString, claims, c.accessSecret); err != nil {
		return nil, ErrInvalidToken
	}
	if !validSubject(claims.Subject) || !claims.Role.Valid() || claims.IsActive == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh checks signature and expiry, then the claim shape: sub is a
// UUID and deviceId is non-empty.
func (c *TokenCodec) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(tokenString, claims, c.refreshSecret); err != nil {
		return nil, ErrInvalidToken
	}
	if !validSubject(claims.Subject) || strings.TrimSpace(claims.DeviceID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func validSubject(sub string) bool {
	_, err := uuid.Parse(sub)
	return err == nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

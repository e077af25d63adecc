package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"authsession/internal/audit"
	"authsession/internal/db"
	"authsession/internal/log"
	"authsession/internal/policy/engine"
	"authsession/internal/security"
	sessiondomain "authsession/internal/session/domain"
	sessionservice "authsession/internal/session/service"
	userdomain "authsession/internal/user/domain"
	userrepo "authsession/internal/user/repository"
)

// Sentinel errors for the auth service; the HTTP layer maps them to status codes.
var (
	// ErrUnauthorized is the single outcome for bad token material, unknown or
	// expired sessions, refresh token reuse and deactivated users.
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrUsernameTaken          = errors.New("username already taken")
	ErrInvalidDeviceID        = errors.New("invalid device id")
	ErrUserNotFound           = errors.New("user not found")
	// ErrInvalidInput wraps registration validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// refreshFailure is the internal reason a refresh was rejected. It is logged
// and counted, never returned.
type refreshFailure string

const (
	failureInvalidToken    refreshFailure = "invalid_token"
	failureSessionNotFound refreshFailure = "session_not_found"
	failureSessionExpired  refreshFailure = "session_expired"
	failureTokenReuse      refreshFailure = "token_reuse"
	failureUserInactive    refreshFailure = "user_inactive"
)

const maxDeviceIDLen = 128

// DeviceMeta describes the client a session is bound to.
type DeviceMeta struct {
	DeviceID  string
	UserAgent string
	IPAddress string
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Email    string
	Username string
	Password string
}

// AuthResult holds the token pair issued by Register, Login or Refresh.
// User is nil for Refresh.
type AuthResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             *userdomain.Public
}

// SessionList is the caller's view of their own sessions.
type SessionList struct {
	ActiveSessions int                  `json:"activeSessions"`
	MaxSessions    int                  `json:"maxSessions"`
	Sessions       []sessiondomain.Info `json:"sessions"`
}

// AuthService implements register, login, refresh, logout, deactivation and
// bearer authentication. Every flow that touches sessions runs in one transaction.
type AuthService struct {
	tx       db.TxRunner
	sessions *sessionservice.Manager
	tokens   *security.TokenCodec
	hasher   *security.PasswordHasher
	policy   engine.Evaluator
	audit    audit.Recorder
	now      func() time.Time

	// dummyHash is compared against on unknown emails so login timing does
	// not reveal whether an account exists.
	dummyHash string

	rotations  metric.Int64Counter
	rejections metric.Int64Counter
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(
	tx db.TxRunner,
	sessions *sessionservice.Manager,
	tokens *security.TokenCodec,
	hasher *security.PasswordHasher,
	policy engine.Evaluator,
) (*AuthService, error) {
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("dummy password hash: %w", err)
	}
	rotations, rejections, err := newRefreshCounters(otel.Meter("authsession/identity"))
	if err != nil {
		return nil, err
	}
	return &AuthService{
		tx:         tx,
		sessions:   sessions,
		tokens:     tokens,
		hasher:     hasher,
		policy:     policy,
		audit:      audit.Nop{},
		now:        time.Now,
		dummyHash:  dummy,
		rotations:  rotations,
		rejections: rejections,
	}, nil
}

func newRefreshCounters(meter metric.Meter) (rotations, rejections metric.Int64Counter, err error) {
	rotations, err = meter.Int64Counter("session.rotations",
		metric.WithDescription("Successful refresh token rotations."))
	if err != nil {
		return nil, nil, fmt.Errorf("session.rotations counter: %w", err)
	}
	rejections, err = meter.Int64Counter("session.refresh_rejections",
		metric.WithDescription("Refresh attempts rejected, by internal reason."))
	if err != nil {
		return nil, nil, fmt.Errorf("session.refresh_rejections counter: %w", err)
	}
	return rotations, rejections, nil
}

// WithClock returns a copy of the service that stamps users with now.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	cp := *s
	cp.now = now
	return &cp
}

// WithAudit returns a copy of the service that reports auth events to r.
func (s *AuthService) WithAudit(r audit.Recorder) *AuthService {
	cp := *s
	cp.audit = audit.Multi(r)
	return &cp
}

// Register creates an active user with role "user" and opens a session on
// the given device.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, meta DeviceMeta) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	username := strings.TrimSpace(in.Username)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	meta, err := normalizeMeta(meta)
	if err != nil {
		return nil, err
	}
	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &userdomain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hashed,
		Role:         security.RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var res *AuthResult
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		if existing, err := tx.Users().GetByEmail(ctx, email); err != nil {
			return err
		} else if existing != nil {
			return ErrEmailAlreadyRegistered
		}
		if existing, err := tx.Users().GetByUsername(ctx, username); err != nil {
			return err
		} else if existing != nil {
			return ErrUsernameTaken
		}
		if err := tx.Users().Create(ctx, user); err != nil {
			switch {
			case errors.Is(err, userrepo.ErrDuplicateEmail):
				return ErrEmailAlreadyRegistered
			case errors.Is(err, userrepo.ErrDuplicateUsername):
				return ErrUsernameTaken
			}
			return fmt.Errorf("create user: %w", err)
		}
		var err error
		res, err = s.openSession(ctx, tx, user, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info(ctx).Str("user_id", user.ID).Str("device_id", meta.DeviceID).Msg("user registered")
	s.record(ctx, audit.ActionRegister, user.ID, meta, "")
	return res, nil
}

// Login verifies email and password and opens (or replaces) the session for
// the given device. Unknown, inactive and wrong-password users all get
// ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string, meta DeviceMeta) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	meta, err := normalizeMeta(meta)
	if err != nil {
		return nil, err
	}

	var user *userdomain.User
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		user, err = tx.Users().GetByEmail(ctx, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		s.hasher.Matches(s.dummyHash, password)
		s.record(ctx, audit.ActionLoginFailure, "", meta, "unknown_email")
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Matches(user.PasswordHash, password) {
		s.record(ctx, audit.ActionLoginFailure, user.ID, meta, "bad_password")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.record(ctx, audit.ActionLoginFailure, user.ID, meta, "user_inactive")
		return nil, ErrInvalidCredentials
	}

	var res *AuthResult
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		// Re-read so a deactivation that raced the password check wins.
		current, err := tx.Users().GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive {
			return ErrInvalidCredentials
		}
		res, err = s.openSession(ctx, tx, current, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionLogin, user.ID, meta, "")
	return res, nil
}

// Refresh runs the rotation protocol: the presented refresh token must match
// the stored hash of its (user, device) session. A match rotates the session
// to a new pair; a mismatch deletes the session. Every rejection returns
// ErrUnauthorized.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ipAddress string) (*AuthResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.reject(ctx, failureInvalidToken, "", "", ipAddress)
		return nil, ErrUnauthorized
	}
	userID, deviceID := claims.UserID(), claims.DeviceID

	var (
		res     *AuthResult
		failure refreshFailure
	)
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		res, failure = nil, ""
		sess, err := s.sessions.CheckRefresh(ctx, tx, userID, deviceID, refreshToken)
		switch {
		case errors.Is(err, sessionservice.ErrSessionNotFound):
			failure = failureSessionNotFound
			return nil
		case errors.Is(err, sessionservice.ErrSessionExpired):
			failure = failureSessionExpired
			return nil
		case errors.Is(err, sessionservice.ErrTokenReuse):
			// Commit so the deletion sticks.
			failure = failureTokenReuse
			return nil
		case err != nil:
			return err
		}

		user, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if user == nil || !user.IsActive {
			failure = failureUserInactive
			return nil
		}
		res, err = s.openSession(ctx, tx, user, DeviceMeta{
			DeviceID:  deviceID,
			UserAgent: sess.UserAgent,
			IPAddress: ipAddress,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if failure != "" {
		s.reject(ctx, failure, userID, deviceID, ipAddress)
		return nil, ErrUnauthorized
	}
	res.User = nil
	s.rotations.Add(ctx, 1)
	log.Debug(ctx).Str("user_id", userID).Str("device_id", deviceID).Msg("refresh token rotated")
	s.record(ctx, audit.ActionRefresh, userID, DeviceMeta{DeviceID: deviceID, IPAddress: ipAddress}, "")
	return res, nil
}

// Logout removes the session named by the refresh token. A missing or invalid
// token means the caller is already logged out and is not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil
	}
	return s.LogoutDevice(ctx, claims.UserID(), claims.DeviceID)
}

// LogoutDevice removes the session of userID on deviceID. The caller is
// expected to be authenticated as userID.
func (s *AuthService) LogoutDevice(ctx context.Context, userID, deviceID string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		return s.sessions.RemoveSession(ctx, tx, userID, deviceID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, audit.ActionLogout, userID, DeviceMeta{DeviceID: deviceID}, "")
	return nil
}

// DeactivateAccount marks the user inactive and removes all of their sessions
// in one transaction.
func (s *AuthService) DeactivateAccount(ctx context.Context, userID string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		user, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		if user == nil {
			return ErrUnauthorized
		}
		if err := tx.Users().SetActive(ctx, userID, false); err != nil {
			return fmt.Errorf("deactivate user: %w", err)
		}
		return s.sessions.RemoveAllSessions(ctx, tx, userID)
	})
	if err != nil {
		return err
	}
	log.Info(ctx).Str("user_id", userID).Msg("account deactivated, all sessions removed")
	s.record(ctx, audit.ActionDeactivate, userID, DeviceMeta{}, "")
	return nil
}

// ListSessions returns the user's active sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, userID string) (*SessionList, error) {
	var infos []sessiondomain.Info
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		infos, err = s.sessions.ListSessions(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &SessionList{
		ActiveSessions: len(infos),
		MaxSessions:    s.sessions.MaxSessions(),
		Sessions:       infos,
	}, nil
}

// GetUser returns the client projection of userID.
func (s *AuthService) GetUser(ctx context.Context, userID string) (*userdomain.Public, error) {
	var user *userdomain.User
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		user, err = tx.Users().GetByID(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	pub := user.Public()
	return &pub, nil
}

// UsernameAvailable reports whether username is well formed and unused.
func (s *AuthService) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return false, err
	}
	var taken bool
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		u, err := tx.Users().GetByUsername(ctx, username)
		taken = u != nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	return !taken, nil
}

// Authenticate verifies an access token and checks that it carries an
// acceptable state. A token that fails verification or the state check yields
// ErrUnauthorized; a valid token whose role is not among requiredRoles yields
// ErrForbidden.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string, requiredRoles ...security.Role) (*security.AccessClaims, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	in := engine.AccessInput{
		UserID:   claims.UserID(),
		Role:     claims.Role,
		IsActive: claims.Active(),
	}
	ok, err := s.policy.AllowAccess(ctx, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	if len(requiredRoles) > 0 {
		in.RequiredRoles = requiredRoles
		ok, err = s.policy.AllowAccess(ctx, in)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrForbidden
		}
	}
	return claims, nil
}

// openSession mints a token pair for user and stores the refresh hash for
// meta.DeviceID.
func (s *AuthService) openSession(ctx context.Context, tx db.Tx, user *userdomain.User, meta DeviceMeta) (*AuthResult, error) {
	access, accessExp, err := s.tokens.MintAccess(user.ID, user.Role, user.IsActive)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.MintRefresh(user.ID, meta.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}
	if err := s.sessions.UpsertSession(ctx, tx, user.ID, refresh, meta.DeviceID, meta.UserAgent, meta.IPAddress); err != nil {
		return nil, err
	}
	pub := user.Public()
	return &AuthResult{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		User:             &pub,
	}, nil
}

func (s *AuthService) reject(ctx context.Context, reason refreshFailure, userID, deviceID, ipAddress string) {
	s.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	log.Info(ctx).
		Str("reason", string(reason)).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("refresh rejected")
	s.record(ctx, audit.ActionRefreshRejected, userID, DeviceMeta{DeviceID: deviceID, IPAddress: ipAddress}, string(reason))
}

func (s *AuthService) record(ctx context.Context, action audit.Action, userID string, meta DeviceMeta, reason string) {
	s.audit.Record(ctx, audit.Event{
		Action:    action,
		UserID:    userID,
		DeviceID:  meta.DeviceID,
		IPAddress: meta.IPAddress,
		Reason:    reason,
		At:        s.now().UTC(),
	})
}

func normalizeMeta(meta DeviceMeta) (DeviceMeta, error) {
	meta.DeviceID = strings.TrimSpace(meta.DeviceID)
	if meta.DeviceID == "" || len(meta.DeviceID) > maxDeviceIDLen {
		return meta, ErrInvalidDeviceID
	}
	meta.UserAgent = strings.TrimSpace(meta.UserAgent)
	meta.IPAddress = strings.TrimSpace(meta.IPAddress)
	return meta, nil
}

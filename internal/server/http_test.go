package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"authsession/internal/db"
	healthhandler "authsession/internal/health/handler"
	identityservice "authsession/internal/identity/service"
	"authsession/internal/policy/engine"
	"authsession/internal/security"
	sessionservice "authsession/internal/session/service"
	userdomain "authsession/internal/user/domain"
)

const (
	cookieName   = "refreshToken"
	testPassword = "Sup3r-secret"
)

type apiHarness struct {
	handler http.Handler
	runner  *db.MemoryTxRunner
	hasher  *security.PasswordHasher
}

func newAPIHarness(t *testing.T, production bool, opts ...func(*Deps)) *apiHarness {
	t.Helper()
	codec, err := security.NewTestTokenCodec()
	require.NoError(t, err)
	mgr, err := sessionservice.NewManager(sessionservice.Config{MaxSessions: 5, RefreshTTL: codec.RefreshTTL()})
	require.NoError(t, err)
	policy, err := engine.NewOPAEvaluator(context.Background(), "")
	require.NoError(t, err)

	runner := db.NewMemoryTxRunner()
	hasher := security.NewPasswordHasher(bcrypt.MinCost)
	svc, err := identityservice.NewAuthService(runner, mgr, codec, hasher, policy)
	require.NoError(t, err)

	deps := Deps{
		Auth:   svc,
		Health: healthhandler.NewServer(nil, policy),
		Cookie: CookieConfig{Name: cookieName, Production: production, MaxAge: codec.RefreshTTL()},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h, err := NewHandler(deps)
	require.NoError(t, err)
	return &apiHarness{handler: h, runner: runner, hasher: hasher}
}

type call struct {
	method, path, body string
	device, bearer     string
	cookie             string
	forwardedFor       string
}

func (h *apiHarness) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if c.body != "" {
		req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	req.Header.Set("User-Agent", "api-test")
	if c.device != "" {
		req.Header.Set(deviceIDHeader, c.device)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", c.forwardedFor)
		req.Header.Set("X-Real-IP", c.forwardedFor)
	}
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: c.cookie})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", cookieName)
	return nil
}

func (h *apiHarness) register(t *testing.T, name, device string) authResponse {
	t.Helper()
	rec := h.do(t, call{
		method: http.MethodPost, path: "/auth/register", device: device,
		body: `{"email":"` + name + `@example.com","username":"` + name + `_user","password":"` + testPassword + `"}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[authResponse](t, rec)
}

func TestRegister(t *testing.T) {
	h := newAPIHarness(t, false)
	rec := h.do(t, call{
		method: http.MethodPost, path: "/auth/register", device: "laptop",
		body: `{"email":"Alice@Example.com","username":"alice_user","password":"` + testPassword + `"}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode[authResponse](t, rec)
	assert.NotEmpty(t, body.Access)
	require.NotNil(t, body.User)
	assert.Equal(t, "alice@example.com", body.User.Email)
	assert.NotContains(t, rec.Body.String(), "passwordHash")
	assert.NotContains(t, rec.Body.String(), "$2a$")

	c := refreshCookie(t, rec)
	assert.Equal(t, body.Refresh, c.Value)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)

	sess, err := h.runner.Sessions().GetForUpdate(context.Background(), body.User.ID, "laptop")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "api-test", sess.UserAgent)
	assert.Equal(t, "192.0.2.1", sess.IPAddress)
}

func TestRegister_Errors(t *testing.T) {
	h := newAPIHarness(t, false)
	h.register(t, "alice", "laptop")

	tests := []struct {
		name   string
		device string
		body   string
		status int
		errMsg string
	}{
		{"missing device", "", `{"email":"bob@example.com","username":"bob_user","password":"` + testPassword + `"}`,
			http.StatusBadRequest, "X-Device-Id header is required"},
		{"bad json", "d1", `{"email":`, http.StatusBadRequest, "invalid request body"},
		{"weak password", "d1", `{"email":"bob@example.com","username":"bob_user","password":"password"}`,
			http.StatusBadRequest, "password must contain at least one uppercase letter"},
		{"duplicate email", "d1", `{"email":"alice@example.com","username":"other_user","password":"` + testPassword + `"}`,
			http.StatusConflict, "email already registered"},
		{"duplicate username", "d1", `{"email":"bob@example.com","username":"alice_user","password":"` + testPassword + `"}`,
			http.StatusConflict, "username already taken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, call{method: http.MethodPost, path: "/auth/register", device: tt.device, body: tt.body})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errMsg, decode[errorBody](t, rec).Error)
		})
	}
}

func TestLogin(t *testing.T) {
	h := newAPIHarness(t, false)
	h.register(t, "alice", "laptop")

	rec := h.do(t, call{
		method: http.MethodPost, path: "/auth/login", device: "phone",
		body: `{"email":"alice@example.com","password":"` + testPassword + `"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, refreshCookie(t, rec).Value)

	rec = h.do(t, call{
		method: http.MethodPost, path: "/auth/login", device: "phone",
		body: `{"email":"alice@example.com","password":"Wrong-pass1"}`,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", decode[errorBody](t, rec).Error)
}

func TestRefresh_RotatesCookieAndRejectsReplay(t *testing.T) {
	h := newAPIHarness(t, false)
	reg := h.register(t, "alice", "laptop")
	// Tokens carry a random jti, so rotation differs even within one second.
	rec := h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: reg.Refresh})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode[authResponse](t, rec)
	assert.Nil(t, rotated.User)
	assert.NotEqual(t, reg.Refresh, rotated.Refresh)
	assert.Equal(t, rotated.Refresh, refreshCookie(t, rec).Value)

	rec = h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: reg.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	rec = h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: rotated.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh_MissingOrGarbageCookie(t *testing.T) {
	h := newAPIHarness(t, false)
	for _, cookie := range []string{"", "not-a-token"} {
		rec := h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: cookie})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	}
}

func TestSessions_RequiresBearer(t *testing.T) {
	h := newAPIHarness(t, false)
	reg := h.register(t, "alice", "laptop")

	rec := h.do(t, call{method: http.MethodGet, path: "/auth/sessions"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, call{method: http.MethodGet, path: "/auth/sessions", bearer: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	// A refresh token is not an access token.
	rec = h.do(t, call{method: http.MethodGet, path: "/auth/sessions", bearer: reg.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, call{method: http.MethodGet, path: "/auth/sessions", bearer: reg.Access})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[identityservice.SessionList](t, rec)
	assert.Equal(t, 1, list.ActiveSessions)
	assert.Equal(t, 5, list.MaxSessions)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "laptop", list.Sessions[0].DeviceID)
	assert.NotContains(t, rec.Body.String(), "argon2id")
}

func TestLogoutDevice(t *testing.T) {
	h := newAPIHarness(t, false)
	reg := h.register(t, "alice", "laptop")

	rec := h.do(t, call{method: http.MethodPost, path: "/auth/logout/laptop", bearer: reg.Access})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, h.runner.Sessions().Len())

	// The access token outlives the session; the refresh token does not.
	rec = h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: reg.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout_ClearsCookie(t *testing.T) {
	h := newAPIHarness(t, false)
	reg := h.register(t, "alice", "laptop")

	rec := h.do(t, call{method: http.MethodPost, path: "/auth/logout", cookie: reg.Refresh})
	require.Equal(t, http.StatusOK, rec.Code)
	c := refreshCookie(t, rec)
	assert.Empty(t, c.Value)
	assert.Less(t, c.MaxAge, 0)
	assert.Equal(t, 0, h.runner.Sessions().Len())

	// Already logged out.
	rec = h.do(t, call{method: http.MethodPost, path: "/auth/logout"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, call{method: http.MethodPost, path: "/auth/logout", cookie: "garbage"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMeAndUsernameAvailable(t *testing.T) {
	h := newAPIHarness(t, false)
	reg := h.register(t, "alice", "laptop")

	rec := h.do(t, call{method: http.MethodGet, path: "/users/me", bearer: reg.Access})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reg.User.ID, decode[userdomain.Public](t, rec).ID)

	rec = h.do(t, call{method: http.MethodGet, path: "/users/username-available/alice_user", bearer: reg.Access})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"available":false}`, rec.Body.String())

	rec = h.do(t, call{method: http.MethodGet, path: "/users/username-available/bad", bearer: reg.Access})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivate_AdminOnly(t *testing.T) {
	h := newAPIHarness(t, false)
	user := h.register(t, "alice", "laptop")

	rec := h.do(t, call{method: http.MethodPatch, path: "/users/me/deactivate", bearer: user.Access})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())

	hash, err := h.hasher.Hash(testPassword)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, h.runner.Users().Create(context.Background(), &userdomain.User{
		ID: uuid.NewString(), Email: "root@example.com", Username: "root_admin",
		PasswordHash: hash, Role: security.RoleAdmin, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	rec = h.do(t, call{
		method: http.MethodPost, path: "/auth/login", device: "console",
		body: `{"email":"root@example.com","password":"` + testPassword + `"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	admin := decode[authResponse](t, rec)

	rec = h.do(t, call{method: http.MethodPatch, path: "/users/me/deactivate", bearer: admin.Access})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Less(t, refreshCookie(t, rec).MaxAge, 0)

	rec = h.do(t, call{method: http.MethodPost, path: "/auth/refresh", cookie: admin.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, call{
		method: http.MethodPost, path: "/auth/login", device: "console",
		body: `{"email":"root@example.com","password":"` + testPassword + `"}`,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProductionCookie(t *testing.T) {
	h := newAPIHarness(t, true)
	rec := h.do(t, call{
		method: http.MethodPost, path: "/auth/register", device: "laptop",
		body: `{"email":"alice@example.com","username":"alice_user","password":"` + testPassword + `"}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	c := refreshCookie(t, rec)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), c.MaxAge)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t, false)
	rec := h.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewHandler_RequiresDeps(t *testing.T) {
	_, err := NewHandler(Deps{Cookie: CookieConfig{Name: cookieName}})
	assert.Error(t, err)
}

func TestClientIP_ForwardingHeaders(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantIP     string
	}{
		{name: "ignored by default", trustProxy: false, wantIP: "192.0.2.1"},
		{name: "honoured behind trusted proxy", trustProxy: true, wantIP: "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t, false, func(d *Deps) { d.TrustProxyHeaders = tt.trustProxy })
			rec := h.do(t, call{
				method: http.MethodPost, path: "/auth/register", device: "laptop", forwardedFor: "203.0.113.9",
				body: `{"email":"ip@example.com","username":"ip_user","password":"` + testPassword + `"}`,
			})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			body := decode[authResponse](t, rec)

			rows, err := h.runner.Sessions().ListByUser(context.Background(), body.User.ID)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.wantIP, rows[0].IPAddress)
		})
	}
}

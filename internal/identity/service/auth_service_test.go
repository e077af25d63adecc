package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/crypto/bcrypt"

	"authsession/internal/audit"
	"authsession/internal/db"
	"authsession/internal/policy/engine"
	"authsession/internal/security"
	sessionservice "authsession/internal/session/service"
)

const testPassword = "Sup3r-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type auditCapture struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *auditCapture) Record(_ context.Context, e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *auditCapture) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Action, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	svc    *AuthService
	runner *db.MemoryTxRunner
	clock  *fakeClock
	tokens *security.TokenCodec
	audit  *auditCapture
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	codec, err := security.NewTestTokenCodec()
	require.NoError(t, err)
	codec = codec.WithClock(clock.Now)

	mgr, err := sessionservice.NewManager(sessionservice.Config{
		MaxSessions: maxSessions,
		RefreshTTL:  codec.RefreshTTL(),
	}, sessionservice.WithClock(clock.Now))
	require.NoError(t, err)

	policy, err := engine.NewOPAEvaluator(context.Background(), "")
	require.NoError(t, err)

	runner := db.NewMemoryTxRunner()
	svc, err := NewAuthService(runner, mgr, codec, security.NewPasswordHasher(bcrypt.MinCost), policy)
	require.NoError(t, err)

	rec := &auditCapture{}
	return &harness{
		svc:    svc.WithClock(clock.Now).WithAudit(rec),
		runner: runner,
		clock:  clock,
		tokens: codec,
		audit:  rec,
	}
}

func (h *harness) register(t *testing.T, name, device string) *AuthResult {
	t.Helper()
	res, err := h.svc.Register(context.Background(), RegisterInput{
		Email:    name + "@example.com",
		Username: name + "_user",
		Password: testPassword,
	}, DeviceMeta{DeviceID: device, UserAgent: "ua-" + device, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return res
}

func (h *harness) login(t *testing.T, name, device string) *AuthResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), name+"@example.com", testPassword,
		DeviceMeta{DeviceID: device, UserAgent: "ua-" + device, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return res
}

func (h *harness) devices(t *testing.T, userID string) []string {
	t.Helper()
	rows, err := h.runner.Sessions().ListByUser(context.Background(), userID)
	require.NoError(t, err)
	var out []string
	for _, s := range rows {
		out = append(out, s.DeviceID)
	}
	return out
}

func (h *harness) storedHash(t *testing.T, userID, deviceID string) string {
	t.Helper()
	s, err := h.runner.Sessions().GetForUpdate(context.Background(), userID, deviceID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.RefreshHash
}

func TestRegister_IssuesPairAndSession(t *testing.T) {
	h := newHarness(t, 5)
	res := h.register(t, "alice", "A")

	require.NotNil(t, res.User)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Equal(t, security.RoleUser, res.User.Role)
	assert.True(t, res.User.IsActive)

	access, err := h.tokens.VerifyAccess(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, access.UserID())

	refresh, err := h.tokens.VerifyRefresh(res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "A", refresh.DeviceID)

	assert.Equal(t, []string{"A"}, h.devices(t, res.User.ID))
	assert.True(t, security.VerifyRefreshToken(res.RefreshToken, h.storedHash(t, res.User.ID, "A")))
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	meta := DeviceMeta{DeviceID: "A"}

	cases := map[string]RegisterInput{
		"bad email":       {Email: "not-an-email", Username: "alice_1", Password: testPassword},
		"short username":  {Email: "a@example.com", Username: "al", Password: testPassword},
		"username symbol": {Email: "a@example.com", Username: "alice!", Password: testPassword},
		"weak password":   {Email: "a@example.com", Username: "alice_1", Password: "password"},
		"short password":  {Email: "a@example.com", Username: "alice_1", Password: "Aa1!"},
	}
	for name, in := range cases {
		_, err := h.svc.Register(ctx, in, meta)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}

	_, err := h.svc.Register(ctx, RegisterInput{Email: "a@example.com", Username: "alice_1", Password: testPassword}, DeviceMeta{DeviceID: "  "})
	assert.ErrorIs(t, err, ErrInvalidDeviceID)
	assert.Equal(t, 0, h.runner.Sessions().Len())
}

func TestRegister_Duplicates(t *testing.T) {
	h := newHarness(t, 5)
	h.register(t, "alice", "A")
	ctx := context.Background()

	_, err := h.svc.Register(ctx, RegisterInput{Email: "ALICE@example.com", Username: "other_user", Password: testPassword}, DeviceMeta{DeviceID: "B"})
	assert.ErrorIs(t, err, ErrEmailAlreadyRegistered)

	_, err = h.svc.Register(ctx, RegisterInput{Email: "bob@example.com", Username: "alice_user", Password: testPassword}, DeviceMeta{DeviceID: "B"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, 1, h.runner.Sessions().Len())
}

func TestLogin_ExactlyOneSessionPerDevice(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	h.clock.Advance(time.Minute)

	res := h.login(t, "alice", "A")
	assert.Equal(t, []string{"A"}, h.devices(t, reg.User.ID))
	hash := h.storedHash(t, reg.User.ID, "A")
	assert.True(t, security.VerifyRefreshToken(res.RefreshToken, hash))
	assert.False(t, security.VerifyRefreshToken(reg.RefreshToken, hash))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()
	meta := DeviceMeta{DeviceID: "B"}

	_, err := h.svc.Login(ctx, "alice@example.com", "Wrong-pass1", meta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "nobody@example.com", testPassword, meta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "", "", meta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, h.svc.DeactivateAccount(ctx, reg.User.ID))
	_, err = h.svc.Login(ctx, "alice@example.com", testPassword, meta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, h.devices(t, reg.User.ID))
}

func TestLogin_EvictsOldestAtCapacity(t *testing.T) {
	h := newHarness(t, 3)
	reg := h.register(t, "alice", "A")
	for _, d := range []string{"B", "C"} {
		h.clock.Advance(time.Minute)
		h.login(t, "alice", d)
	}
	h.clock.Advance(time.Minute)
	h.login(t, "alice", "D")

	assert.Equal(t, []string{"B", "C", "D"}, h.devices(t, reg.User.ID))
}

func TestRefresh_RotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()
	h.clock.Advance(time.Minute)

	rotated, err := h.svc.Refresh(ctx, reg.RefreshToken, "10.0.0.2")
	require.NoError(t, err)
	assert.Nil(t, rotated.User)
	assert.NotEqual(t, reg.RefreshToken, rotated.RefreshToken)
	_, err = h.tokens.VerifyAccess(rotated.AccessToken)
	require.NoError(t, err)

	s, err := h.runner.Sessions().GetForUpdate(ctx, reg.User.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", s.IPAddress)
	assert.Equal(t, "ua-A", s.UserAgent)
	assert.True(t, security.VerifyRefreshToken(rotated.RefreshToken, s.RefreshHash))

	// Presenting the superseded token destroys the session.
	_, err = h.svc.Refresh(ctx, reg.RefreshToken, "10.0.0.3")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.devices(t, reg.User.ID))

	// The rotated token is now useless too.
	_, err = h.svc.Refresh(ctx, rotated.RefreshToken, "10.0.0.2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefresh_UniformUnauthorized(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"empty", func(t *testing.T) string { return "" }},
		{"garbage", func(t *testing.T) string { return "not-a-token" }},
		{"access token", func(t *testing.T) string { return reg.AccessToken }},
		{"unknown device", func(t *testing.T) string {
			tok, _, err := h.tokens.MintRefresh(reg.User.ID, "never-logged-in")
			require.NoError(t, err)
			return tok
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Refresh(ctx, tt.token(t), "")
			assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
		})
	}
	assert.Equal(t, []string{"A"}, h.devices(t, reg.User.ID))
}

func TestRefresh_ExpiredToken(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	h.clock.Advance(h.tokens.RefreshTTL())

	_, err := h.svc.Refresh(context.Background(), reg.RefreshToken, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefresh_InactiveUser(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()

	// Deactivate without touching sessions to exercise the re-read of the user.
	require.NoError(t, h.runner.Users().SetActive(ctx, reg.User.ID, false))
	_, err := h.svc.Refresh(ctx, reg.RefreshToken, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, security.VerifyRefreshToken(reg.RefreshToken, h.storedHash(t, reg.User.ID, "A")),
		"rejection for an inactive user must not rotate the session")
}

func TestRefresh_ConcurrentSameToken(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(ctx, reg.RefreshToken, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, ErrUnauthorized) {
				failures++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
	assert.Empty(t, h.devices(t, reg.User.ID), "the losing refresh is treated as reuse")
}

func TestRefresh_CanceledContextLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	before := h.storedHash(t, reg.User.ID, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Refresh(ctx, reg.RefreshToken, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, h.storedHash(t, reg.User.ID, "A"))
}

func TestLogout(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()

	require.NoError(t, h.svc.Logout(ctx, reg.RefreshToken))
	assert.Empty(t, h.devices(t, reg.User.ID))

	// Already logged out, missing or invalid tokens are all fine.
	require.NoError(t, h.svc.Logout(ctx, reg.RefreshToken))
	require.NoError(t, h.svc.Logout(ctx, ""))
	require.NoError(t, h.svc.Logout(ctx, "garbage"))
}

func TestLogoutDevice(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	h.clock.Advance(time.Minute)
	h.login(t, "alice", "B")
	ctx := context.Background()

	require.NoError(t, h.svc.LogoutDevice(ctx, reg.User.ID, "A"))
	assert.Equal(t, []string{"B"}, h.devices(t, reg.User.ID))
	require.NoError(t, h.svc.LogoutDevice(ctx, reg.User.ID, "A"))
}

func TestDeactivateAccount(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	h.clock.Advance(time.Minute)
	h.login(t, "alice", "B")
	ctx := context.Background()

	require.NoError(t, h.svc.DeactivateAccount(ctx, reg.User.ID))
	assert.Empty(t, h.devices(t, reg.User.ID))
	u, err := h.runner.Users().GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	assert.ErrorIs(t, h.svc.DeactivateAccount(ctx, "00000000-0000-0000-0000-000000000000"), ErrUnauthorized)
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, 4)
	reg := h.register(t, "alice", "A")
	h.clock.Advance(time.Minute)
	h.login(t, "alice", "B")

	list, err := h.svc.ListSessions(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, list.ActiveSessions)
	assert.Equal(t, 4, list.MaxSessions)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "B", list.Sessions[0].DeviceID)
	assert.Equal(t, "A", list.Sessions[1].DeviceID)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t, 5)
	reg := h.register(t, "alice", "A")
	ctx := context.Background()

	claims, err := h.svc.Authenticate(ctx, reg.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID())

	_, err = h.svc.Authenticate(ctx, reg.AccessToken, security.RoleAdmin)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Authenticate(ctx, reg.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	inactive, _, err := h.tokens.MintAccess(reg.User.ID, security.RoleUser, false)
	require.NoError(t, err)
	_, err = h.svc.Authenticate(ctx, inactive)
	assert.ErrorIs(t, err, ErrUnauthorized)

	h.clock.Advance(h.tokens.AccessTTL())
	_, err = h.svc.Authenticate(ctx, reg.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestScenario_CapTwo(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	a := h.register(t, "alice", "A")
	userID := a.User.ID
	h.clock.Advance(time.Minute)
	b := h.login(t, "alice", "B")
	h.clock.Advance(time.Minute)
	assert.Equal(t, []string{"A", "B"}, h.devices(t, userID))

	h.login(t, "alice", "C")
	assert.Equal(t, []string{"B", "C"}, h.devices(t, userID))

	_, err := h.svc.Refresh(ctx, a.RefreshToken, "")
	assert.ErrorIs(t, err, ErrUnauthorized, "evicted device cannot refresh")

	h.clock.Advance(time.Minute)
	_, err = h.svc.Refresh(ctx, b.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, h.devices(t, userID))

	_, err = h.svc.Refresh(ctx, b.RefreshToken, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, []string{"C"}, h.devices(t, userID))
}

func TestAudit_RecordsFlowEvents(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	reg := h.register(t, "alice", "A")

	_, err := h.svc.Login(ctx, "alice@example.com", "Wrong-pass1", DeviceMeta{DeviceID: "B", IPAddress: "10.0.0.9"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	h.clock.Advance(time.Minute)
	rotated, err := h.svc.Refresh(ctx, reg.RefreshToken, "10.0.0.2")
	require.NoError(t, err)
	_, err = h.svc.Refresh(ctx, reg.RefreshToken, "10.0.0.3")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.NoError(t, h.svc.Logout(ctx, rotated.RefreshToken))
	require.NoError(t, h.svc.DeactivateAccount(ctx, reg.User.ID))

	assert.Equal(t, []audit.Action{
		audit.ActionRegister,
		audit.ActionLoginFailure,
		audit.ActionRefresh,
		audit.ActionRefreshRejected,
		audit.ActionLogout,
		audit.ActionDeactivate,
	}, h.audit.actions())

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	failed := h.audit.events[1]
	assert.Equal(t, reg.User.ID, failed.UserID)
	assert.Equal(t, "bad_password", failed.Reason)
	assert.Equal(t, "10.0.0.9", failed.IPAddress)
	reuse := h.audit.events[3]
	assert.Equal(t, "token_reuse", reuse.Reason)
	assert.Equal(t, "A", reuse.DeviceID)
}

func TestGetUserAndUsernameAvailable(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	reg := h.register(t, "alice", "A")

	pub, err := h.svc.GetUser(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", pub.Email)

	_, err = h.svc.GetUser(ctx, "6a1f3c52-6f0c-4d1e-9a43-2b8f0c1d9e77")
	assert.ErrorIs(t, err, ErrUserNotFound)

	ok, err := h.svc.UsernameAvailable(ctx, "alice_user")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.svc.UsernameAvailable(ctx, "bob_user")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = h.svc.UsernameAvailable(ctx, "x!")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

var errCounter = errors.New("counter unavailable")

type failingMeter struct {
	noop.Meter
	failOn string
}

func (m failingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == m.failOn {
		return nil, errCounter
	}
	return noop.Int64Counter{}, nil
}

func TestNewRefreshCounters(t *testing.T) {
	rotations, rejections, err := newRefreshCounters(noop.Meter{})
	require.NoError(t, err)
	assert.NotNil(t, rotations)
	assert.NotNil(t, rejections)

	for _, name := range []string{"session.rotations", "session.refresh_rejections"} {
		_, _, err := newRefreshCounters(failingMeter{failOn: name})
		assert.ErrorIs(t, err, errCounter, name)
		assert.Contains(t, err.Error(), name)
	}
}

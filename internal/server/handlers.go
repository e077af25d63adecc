package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	identityservice "authsession/internal/identity/service"
	userdomain "authsession/internal/user/domain"
)

const deviceIDHeader = "X-Device-Id"

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Access           string             `json:"access"`
	AccessExpiresAt  time.Time          `json:"accessExpiresAt"`
	Refresh          string             `json:"refresh"`
	RefreshExpiresAt time.Time          `json:"refreshExpiresAt"`
	User             *userdomain.Public `json:"user,omitempty"`
}

func newAuthResponse(res *identityservice.AuthResult) authResponse {
	return authResponse{
		Access:           res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		Refresh:          res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		User:             res.User,
	}
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	meta, err := deviceMeta(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.auth.Register(r.Context(), identityservice.RegisterInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	}, meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.cookie.set(w, res.RefreshToken)
	writeJSON(w, http.StatusCreated, newAuthResponse(res))
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	meta, err := deviceMeta(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.auth.Login(r.Context(), req.Email, req.Password, meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.cookie.set(w, res.RefreshToken)
	writeJSON(w, http.StatusOK, newAuthResponse(res))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	token := a.cookie.read(r)
	if token == "" {
		writeError(w, r, identityservice.ErrUnauthorized)
		return
	}
	res, err := a.auth.Refresh(r.Context(), token, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.cookie.set(w, res.RefreshToken)
	writeJSON(w, http.StatusOK, newAuthResponse(res))
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if token := a.cookie.read(r); token != "" {
		if err := a.auth.Logout(r.Context(), token); err != nil {
			writeError(w, r, err)
			return
		}
	}
	a.cookie.clear(w)
	writeJSON(w, http.StatusOK, messageBody{"Logged out successfully"})
}

func (a *API) logoutDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceId"))
	if err := a.auth.LogoutDevice(r.Context(), userID, deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{"Logged out from device successfully"})
}

func (a *API) sessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	list, err := a.auth.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	user, err := a.auth.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) usernameAvailable(w http.ResponseWriter, r *http.Request) {
	ok, err := a.auth.UsernameAvailable(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Available bool `json:"available"`
	}{ok})
}

func (a *API) deactivate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	if err := a.auth.DeactivateAccount(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	a.cookie.clear(w)
	writeJSON(w, http.StatusOK, messageBody{"Account deactivated successfully"})
}

func deviceMeta(r *http.Request) (identityservice.DeviceMeta, error) {
	deviceID := strings.TrimSpace(r.Header.Get(deviceIDHeader))
	if deviceID == "" {
		return identityservice.DeviceMeta{}, errMissingDeviceID
	}
	return identityservice.DeviceMeta{
		DeviceID:  deviceID,
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	}, nil
}

// clientIP returns the remote host. Forwarding headers only reach it when
// Deps.TrustProxyHeaders mounted middleware.RealIP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

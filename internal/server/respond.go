package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	identityservice "authsession/internal/identity/service"
	"authsession/internal/log"
)

const maxBodyBytes = 1 << 20

var (
	errMissingDeviceID = errors.New("X-Device-Id header is required")
	errBadBody         = errors.New("invalid request body")
)

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Anything unrecognised is
// logged and reported as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identityservice.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{"unauthorized"})
	case errors.Is(err, identityservice.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{"invalid credentials"})
	case errors.Is(err, identityservice.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{"forbidden"})
	case errors.Is(err, identityservice.ErrEmailAlreadyRegistered),
		errors.Is(err, identityservice.ErrUsernameTaken):
		writeJSON(w, http.StatusConflict, errorBody{err.Error()})
	case errors.Is(err, identityservice.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), identityservice.ErrInvalidInput.Error()+": ")
		writeJSON(w, http.StatusBadRequest, errorBody{msg})
	case errors.Is(err, identityservice.ErrInvalidDeviceID),
		errors.Is(err, errMissingDeviceID),
		errors.Is(err, errBadBody):
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	case errors.Is(err, identityservice.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{"user not found"})
	default:
		log.Error(r.Context()).Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadBody
	}
	return nil
}

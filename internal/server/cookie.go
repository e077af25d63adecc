package server

import (
	"net/http"
	"time"
)

// CookieConfig describes the refresh token cookie.
type CookieConfig struct {
	Name string
	// Production marks the cookie Secure and SameSite=None for cross-site clients.
	Production bool
	MaxAge     time.Duration
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.Production {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (c CookieConfig) set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Production,
		SameSite: c.sameSite(),
	})
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Production,
		SameSite: c.sameSite(),
	})
}

func (c CookieConfig) read(r *http.Request) string {
	ck, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}

package domain

import "time"

// Session is the server-side record of one signed-in device. There is at most
// one row per (UserID, DeviceID).
type Session struct {
	UserID      string
	DeviceID    string
	RefreshHash string // argon2id hash of the current refresh token
	UserAgent   string // optional
	IPAddress   string // optional; replaced on every refresh
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session is no longer usable at now. A session is
// expired from the ExpiresAt instant onwards.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Info returns the informational projection of the session.
func (s *Session) Info() Info {
	return Info{
		DeviceID:  s.DeviceID,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// Info is what a user may see about their own sessions.
type Info struct {
	DeviceID  string    `json:"deviceId"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

package session

import (
	"errors"
	"time"
)

// Lifecycle and lock reasons recorded in audit entries and destruction
// records.
const (
	ReasonLogout       = "USER_LOGOUT"
	ReasonExpired      = "EXPIRED"
	ReasonLimit        = "SESSION_LIMIT_EXCEEDED"
	ReasonAdmin        = "ADMIN_REVOKED"
	ReasonTokenRevoked = "TOKEN_REVOKED"

	LockSuspicious          = "SUSPICIOUS_ACTIVITY"
	LockImpossibleTravel    = "IMPOSSIBLE_TRAVEL"
	LockReplay              = "REPLAY_DETECTED"
	LockPrivilegeEscalation = "PRIVILEGE_ESCALATION"
	LockBruteForce          = "BRUTE_FORCE"
)

// Indicator names an anomaly signal raised during an activity update.
type Indicator string

const (
	IndicatorIPChange         Indicator = "IP_CHANGE"
	IndicatorUserAgentChange  Indicator = "USER_AGENT_CHANGE"
	IndicatorUnusualActivity  Indicator = "UNUSUAL_ACTIVITY_PATTERN"
	IndicatorImpossibleTravel Indicator = "IMPOSSIBLE_TRAVEL"
)

// highRisk indicators lock the session instead of merely flagging it.
func (i Indicator) highRisk() bool {
	return i == IndicatorImpossibleTravel
}

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
	ErrLocked   = errors.New("session: locked")
)

// Location is a coarse geolocation attached to session activity, used for
// impossible-travel detection.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Session is the stored record binding a principal to a device/IP context
// and permission set.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	SchemaVer int    `json:"schemaVer"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`

	IPAddress         string    `json:"ipAddress,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	Location          *Location `json:"location,omitempty"`

	Permissions []string `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	LoginMethod string   `json:"loginMethod,omitempty"`

	RequestCount int `json:"requestCount"`

	Suspicious bool        `json:"suspicious"`
	Indicators []Indicator `json:"indicators,omitempty"`
	Locked     bool        `json:"locked"`
	LockReason string      `json:"lockReason,omitempty"`
	LockedAt   time.Time   `json:"lockedAt,omitempty"`
	Rotated    bool        `json:"rotated"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Public returns the client-safe view of a session. Security flags and
// device fingerprints never leave the server.
func (s *Session) Public() map[string]interface{} {
	out := map[string]interface{}{
		"id":           s.ID,
		"userId":       s.UserID,
		"createdAt":    s.CreatedAt.UnixMilli(),
		"lastActivity": s.LastActivity.UnixMilli(),
		"expiresAt":    s.ExpiresAt.UnixMilli(),
		"requestCount": s.RequestCount,
	}
	if s.IPAddress != "" {
		out["ipAddress"] = s.IPAddress
	}
	if s.UserAgent != "" {
		out["userAgent"] = s.UserAgent
	}
	if len(s.Permissions) > 0 {
		out["permissions"] = s.Permissions
	}
	if len(s.Roles) > 0 {
		out["roles"] = s.Roles
	}
	return out
}

package token

import (
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Type distinguishes short-lived access credentials from long-lived
// refresh credentials.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

func (t Type) valid() bool {
	return t == TypeAccess || t == TypeRefresh
}

// Claims is the signed payload of every credential. On the wire it is the
// standard registered claim set plus the security claims the gateway and
// session layer key off: token_type, session_id, permissions, and a
// checksum over the identity tuple for tamper evidence beyond the
// signature itself.
type Claims struct {
	TokenType   Type              `json:"token_type"`
	SessionID   string            `json:"session_id,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
	Email       string            `json:"email,omitempty"`
	Name        string            `json:"name,omitempty"`
	Role        string            `json:"role,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	DeviceInfo  map[string]string `json:"device_info,omitempty"`
	jwt.RegisteredClaims
}

// identityChecksum digests the canonical identity tuple of a credential.
// The tuple is reconstructible at verification time, so a mutated
// subject/session/type/permission set is caught even if an attacker ever
// obtained a signing oracle for arbitrary payloads.
func identityChecksum(provider CryptoProvider, subject, sessionID string, tokenType Type, permissions []string) string {
	tuple := subject + "." + sessionID + "." + string(tokenType) + "." + strings.Join(permissions, ",")
	return hex.EncodeToString(provider.Digest([]byte(tuple)))
}

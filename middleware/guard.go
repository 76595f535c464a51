package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified claims placed by [Guard].
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// Options tunes a Guard.
type Options struct {
	// Sessions enables session binding: the token's session must be
	// live and unlocked. Nil skips the check (token-only mode).
	Sessions *session.Manager
	// Permission, when set, must appear in the token's permission list.
	Permission string
}

// Guard rejects requests without a valid access token. On success the
// verified claims are available via [ClaimsFromContext].
func Guard(tokens *token.Service, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			verified, err := tokens.Verify(r.Context(), raw, token.VerifyOptions{
				ExpectedType: token.TypeAccess,
				IPAddress:    remoteIP(r),
				UserAgent:    r.UserAgent(),
			})
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if opts.Sessions != nil && verified.SessionID != "" {
				_, err := opts.Sessions.Get(r.Context(), verified.SessionID, session.GetOptions{
					UpdateActivity: true,
					IPAddress:      remoteIP(r),
					UserAgent:      r.UserAgent(),
				})
				if err != nil {
					status := http.StatusUnauthorized
					if errors.Is(err, session.ErrLocked) {
						status = http.StatusForbidden
					}
					http.Error(w, "unauthorized", status)
					return
				}
			}

			if opts.Permission != "" && !hasPermission(verified.Claims.Permissions, opts.Permission) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, verified.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(value[len(prefix):])
	return raw, raw != ""
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hasPermission(permissions []string, want string) bool {
	for _, p := range permissions {
		if p == want {
			return true
		}
	}
	return false
}

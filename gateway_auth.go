package authgate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

type loginRequest struct {
	Email      string            `json:"email"`
	Password   string            `json:"password"`
	RememberMe bool              `json:"rememberMe"`
	DeviceInfo map[string]string `json:"deviceInfo"`
}

type loginResponse struct {
	AccessToken  string                 `json:"accessToken"`
	RefreshToken string                 `json:"refreshToken"`
	ExpiresAt    int64                  `json:"expiresAt"`
	SessionID    string                 `json:"sessionId"`
	User         map[string]interface{} `json:"user"`
}

// handleLogin validates credentials, creates a session, and issues a
// token pair bound to it. Failed logins are audited with the client
// context but the response never says whether the account exists.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || len(req.Password) < 8 {
		g.fail(w, r, ErrMalformedRequest)
		return
	}

	ip := clientIP(r)
	userAgent := r.UserAgent()

	principal, err := g.creds.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		g.metricInc(metrics.MetricLoginFailure)
		g.emit(r.Context(), audit.Event{
			EventType: audit.EventLoginFailed,
			Severity:  audit.SeverityMedium,
			IP:        ip,
			UserAgent: userAgent,
			Metadata:  map[string]string{"email": req.Email},
		})
		g.fail(w, r, ErrInvalidCredentials)
		return
	}

	created, err := g.sessions.Create(r.Context(), principal.ID, session.CreateOptions{
		IPAddress:   ip,
		UserAgent:   userAgent,
		Permissions: principal.Permissions,
		Roles:       principal.Roles,
		Metadata:    req.DeviceInfo,
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}

	refreshTTL := g.cfg.Token.RefreshTTL
	if req.RememberMe {
		refreshTTL = g.cfg.RememberMeTTL
	}

	issue := token.IssueOptions{
		SessionID:   created.SessionID,
		Permissions: principal.Permissions,
		Email:       principal.Email,
		Name:        principal.Name,
		Role:        principal.Role,
		IPAddress:   ip,
		UserAgent:   userAgent,
		DeviceInfo:  req.DeviceInfo,
	}

	issue.Type = token.TypeAccess
	access, err := g.tokens.Issue(r.Context(), principal.ID, issue)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	issue.Type = token.TypeRefresh
	issue.TTL = refreshTTL
	refresh, err := g.tokens.Issue(r.Context(), principal.ID, issue)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	g.metricInc(metrics.MetricLoginSuccess)
	g.emit(r.Context(), audit.Event{
		EventType: audit.EventLoginSuccess,
		Severity:  audit.SeverityLow,
		UserID:    principal.ID,
		SessionID: created.SessionID,
		IP:        ip,
		UserAgent: userAgent,
		Success:   true,
	})

	g.writeJSON(w, r, http.StatusOK, loginResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresAt:    access.ExpiresAt.UnixMilli(),
		SessionID:    created.SessionID,
		User: map[string]interface{}{
			"id":          principal.ID,
			"email":       principal.Email,
			"name":        principal.Name,
			"role":        principal.Role,
			"permissions": principal.Permissions,
		},
	})
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	TokenRotated bool   `json:"tokenRotated"`
}

// handleRefresh exchanges the presented refresh token for a fresh access
// token, rotating the refresh credential when configured.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		g.fail(w, r, ErrMissingToken)
		return
	}

	// The session must still be live before rotation runs: a refresh
	// against a destroyed or locked session must not burn the presented
	// credential.
	verified, err := g.tokens.Verify(r.Context(), raw, token.VerifyOptions{
		ExpectedType:    token.TypeRefresh,
		SkipUsageUpdate: true,
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if _, err := g.sessions.Get(r.Context(), verified.SessionID, session.GetOptions{
		UpdateActivity: true,
		ExtendSession:  true,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	}); err != nil {
		g.fail(w, r, err)
		return
	}

	result, err := g.tokens.Refresh(r.Context(), raw, token.RefreshOptions{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}

	g.writeJSON(w, r, http.StatusOK, refreshResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt.UnixMilli(),
		TokenRotated: result.Rotated,
	})
}

// handleVerify is the read-only introspection endpoint other services
// call to validate a bearer token.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	verified, err := g.authenticate(w, r)
	if err != nil {
		return
	}

	g.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"expiresAt": verified.ExpiresAt.UnixMilli(),
		"payload": map[string]interface{}{
			"sub":         verified.Claims.Subject,
			"session_id":  verified.SessionID,
			"token_type":  verified.Claims.TokenType,
			"permissions": verified.Claims.Permissions,
			"role":        verified.Claims.Role,
		},
	})
}

// handleLogout revokes the presented access token and destroys its
// session. Logout is idempotent: a missing or already-dead credential
// still gets a success response, there is nothing left to log out of.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ok := func() {
		g.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"success": true,
		})
	}

	raw, present := bearerToken(r)
	if !present {
		ok()
		return
	}

	verified, err := g.tokens.Verify(r.Context(), raw, token.VerifyOptions{
		ExpectedType:    token.TypeAccess,
		SkipUsageUpdate: true,
	})
	if err != nil {
		ok()
		return
	}

	_, _ = g.tokens.Revoke(r.Context(), verified.TokenID, token.ReasonLogout)
	if verified.SessionID != "" {
		_ = g.sessions.Destroy(r.Context(), verified.SessionID, session.ReasonLogout)
	}

	g.emit(r.Context(), audit.Event{
		EventType: audit.EventLogout,
		Severity:  audit.SeverityLow,
		UserID:    verified.Claims.Subject,
		SessionID: verified.SessionID,
		IP:        clientIP(r),
		Success:   true,
	})

	ok()
}

// authenticate verifies the bearer access token and its session binding,
// writing the error response itself on failure.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*token.VerifyResult, error) {
	raw, ok := bearerToken(r)
	if !ok {
		g.fail(w, r, ErrMissingToken)
		return nil, ErrMissingToken
	}

	verified, err := g.tokens.Verify(r.Context(), raw, token.VerifyOptions{
		ExpectedType: token.TypeAccess,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		g.fail(w, r, err)
		return nil, err
	}

	// A token is only as alive as its session: destroyed, expired, and
	// locked sessions all invalidate the credential.
	if verified.SessionID != "" {
		_, err := g.sessions.Get(r.Context(), verified.SessionID, session.GetOptions{
			UpdateActivity: true,
			IPAddress:      clientIP(r),
			UserAgent:      r.UserAgent(),
		})
		if err != nil {
			g.fail(w, r, err)
			return nil, err
		}
	}

	return verified, nil
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(value[len(prefix):])
	return raw, raw != ""
}

package authgate

import (
	"encoding/json"
	"net/http"

	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
	"github.com/it-era/authgate/session"
)

// handleSessions lists the caller's live sessions (GET) or destroys one
// of them (DELETE). Only the session owner may destroy it.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleSessionList(w, r)
	case http.MethodDelete:
		g.handleSessionDestroy(w, r)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		g.writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
	}
}

func (g *Gateway) handleSessionList(w http.ResponseWriter, r *http.Request) {
	verified, err := g.authenticate(w, r)
	if err != nil {
		return
	}

	sessions, err := g.sessions.List(r.Context(), verified.Claims.Subject)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		view := s.Public()
		view["current"] = s.ID == verified.SessionID
		out = append(out, view)
	}

	g.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"sessions": out,
	})
}

func (g *Gateway) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	verified, err := g.authenticate(w, r)
	if err != nil {
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		g.fail(w, r, ErrMalformedRequest)
		return
	}

	target, err := g.sessions.Get(r.Context(), req.SessionID, session.GetOptions{})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if target.UserID != verified.Claims.Subject {
		g.fail(w, r, ErrNotSessionOwner)
		return
	}

	if err := g.sessions.Destroy(r.Context(), req.SessionID, session.ReasonLogout); err != nil {
		g.fail(w, r, err)
		return
	}

	g.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
	})
}

// handleSecurityStatus reports the caller's standing and store health for
// the admin dashboard.
func (g *Gateway) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	verified, err := g.authenticate(w, r)
	if err != nil {
		return
	}

	ip := clientIP(r)
	reputation, err := g.limiter.Reputation(r.Context(), ip)
	if err != nil {
		reputation = -1
	}

	activeSessions := -1
	if sessions, err := g.sessions.List(r.Context(), verified.Claims.Subject); err == nil {
		activeSessions = len(sessions)
	}

	status := map[string]interface{}{
		"userId":         verified.Claims.Subject,
		"sessionId":      verified.SessionID,
		"ip":             ip,
		"reputation":     reputation,
		"tokenExpiresAt": verified.ExpiresAt.UnixMilli(),
		"sessions": map[string]interface{}{
			"active": activeSessions,
			"limit":  g.cfg.Session.MaxConcurrent,
		},
	}

	if pinger, ok := g.store.(kv.Pinger); ok {
		latency, err := pinger.Ping(r.Context())
		status["store"] = map[string]interface{}{
			"healthy":   err == nil,
			"latencyMs": latency.Milliseconds(),
		}
	}

	if g.metrics.Enabled() {
		status["counters"] = map[string]uint64{
			"loginSuccess":  g.metrics.Get(metrics.MetricLoginSuccess),
			"loginFailure":  g.metrics.Get(metrics.MetricLoginFailure),
			"tokenIssued":   g.metrics.Get(metrics.MetricTokenIssued),
			"tokenRejected": g.metrics.Get(metrics.MetricTokenRejected),
			"rateLimitHits": g.metrics.Get(metrics.MetricRateLimitHit),
			"ddosBans":      g.metrics.Get(metrics.MetricDDoSBanned),
			"sessionLocks":  g.metrics.Get(metrics.MetricSessionLocked),
		}
	}

	g.writeJSON(w, r, http.StatusOK, status)
}

package token

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
)

const (
	blacklistKeyPrefix = "blacklist:"
	metaKeyPrefix      = "token_meta:"
)

// Revocation reasons recorded in blacklist entries.
const (
	ReasonLogout    = "USER_LOGOUT"
	ReasonRotation  = "TOKEN_ROTATION"
	ReasonReuse     = "TOKEN_REUSE"
	ReasonAdmin     = "ADMIN_REVOKED"
	ReasonSuspicion = "SUSPICIOUS_ACTIVITY"
)

// Config holds token issuance and verification parameters.
type Config struct {
	// Secret is the HMAC-SHA-256 signing key. Minimum 32 bytes.
	Secret []byte
	// Issuer and Audience are matched exactly during structural checks.
	Issuer   string
	Audience string
	// KeyID is placed in the JWT header for key-rollover tooling.
	KeyID string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// ClockSkew is tolerated on nbf and iat checks. exp gets no leeway:
	// an expired credential is expired.
	ClockSkew time.Duration

	// RotateRefresh revokes the presented refresh token on every refresh
	// and issues a replacement bound to the same session.
	RotateRefresh bool
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if len(c.Secret) < 32 {
		return errors.New("token: signing secret must be at least 32 bytes")
	}
	if c.Issuer == "" || c.Audience == "" {
		return errors.New("token: issuer and audience are required")
	}
	if c.ClockSkew > 2*time.Minute {
		return errors.New("token: clock skew tolerance too large")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("token: refresh TTL shorter than access TTL")
	}
	return nil
}

// ActiveChecker gates refresh on the principal still being active. A nil
// checker skips the gate.
type ActiveChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Deps carries the collaborators a Service needs. Only Store is
// mandatory.
type Deps struct {
	Store   kv.Store
	Crypto  CryptoProvider
	Audit   *audit.Dispatcher
	Metrics *metrics.Metrics
	Active  ActiveChecker
	Clock   func() time.Time
}

// Service issues and verifies signed credentials. Instances are immutable
// after construction and safe for concurrent use.
type Service struct {
	cfg     Config
	store   kv.Store
	crypto  CryptoProvider
	audit   *audit.Dispatcher
	metrics *metrics.Metrics
	active  ActiveChecker
	now     func() time.Time
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("token: kv store is required")
	}
	if deps.Crypto == nil {
		deps.Crypto = StdCrypto()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		crypto:  deps.Crypto,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		active:  deps.Active,
		now:     deps.Clock,
	}, nil
}

// IssueOptions controls a single issuance.
type IssueOptions struct {
	Type Type
	// TTL overrides the configured lifetime for this credential.
	TTL         time.Duration
	SessionID   string
	Permissions []string
	Email       string
	Name        string
	Role        string
	IPAddress   string
	UserAgent   string
	DeviceInfo  map[string]string
}

// Issued describes a freshly signed credential.
type Issued struct {
	Token     string
	TokenID   string
	SessionID string
	ExpiresAt time.Time
	TokenType Type
}

// metadataRecord tracks per-jti usage in the store for revocation and
// audit lookups. TTL equals the credential lifetime.
type metadataRecord struct {
	UserID     string `json:"userId"`
	TokenType  Type   `json:"tokenType"`
	IssuedAt   int64  `json:"issuedAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	SessionID  string `json:"sessionId"`
	IPAddress  string `json:"ipAddress,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	LastUsedAt int64  `json:"lastUsedAt,omitempty"`
	LastIP     string `json:"lastIp,omitempty"`
	UseCount   int    `json:"useCount,omitempty"`
}

type blacklistRecord struct {
	RevokedAt int64  `json:"revokedAt"`
	Reason    string `json:"reason"`
}

// Issue signs a credential for subject. The not-before claim is backdated
// by the configured clock skew so a token minted on this node is
// immediately usable behind a slightly slow peer.
func (s *Service) Issue(ctx context.Context, subject string, opts IssueOptions) (*Issued, error) {
	if subject == "" {
		return nil, newError(CodeVerification, "subject is required")
	}
	tokenType := opts.Type
	if tokenType == "" {
		tokenType = TypeAccess
	}
	if !tokenType.valid() {
		return nil, newError(CodeVerification, "unknown token type")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		if tokenType == TypeRefresh {
			ttl = s.cfg.RefreshTTL
		} else {
			ttl = s.cfg.AccessTTL
		}
	}

	now := s.now()
	jti := uuid.NewString()
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	claims := Claims{
		TokenType:   tokenType,
		SessionID:   sessionID,
		Permissions: opts.Permissions,
		Checksum:    identityChecksum(s.crypto, subject, sessionID, tokenType, opts.Permissions),
		Email:       opts.Email,
		Name:        opts.Name,
		Role:        opts.Role,
		IPAddress:   opts.IPAddress,
		UserAgent:   opts.UserAgent,
		DeviceInfo:  opts.DeviceInfo,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now.Add(-s.cfg.ClockSkew)),
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if s.cfg.KeyID != "" {
		tok.Header["kid"] = s.cfg.KeyID
	}

	signed, err := tok.SignedString(s.cfg.Secret)
	if err != nil {
		return nil, wrapError(CodeVerification, "signing failed", err)
	}

	meta := metadataRecord{
		UserID:    subject,
		TokenType: tokenType,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		SessionID: sessionID,
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
	}
	if err := s.putMeta(ctx, jti, meta, ttl); err != nil {
		return nil, err
	}

	s.metricInc(metrics.MetricTokenIssued)

	return &Issued{
		Token:     signed,
		TokenID:   jti,
		SessionID: sessionID,
		ExpiresAt: now.Add(ttl),
		TokenType: tokenType,
	}, nil
}

// VerifyOptions controls a single verification.
type VerifyOptions struct {
	// ExpectedType rejects credentials of the wrong type with
	// SECURITY_VALIDATION_FAILED. Empty accepts both.
	ExpectedType Type
	IPAddress    string
	UserAgent    string
	// SkipUsageUpdate leaves the jti metadata untouched; used by
	// read-only introspection paths.
	SkipUsageUpdate bool
}

// VerifyResult is returned on success.
type VerifyResult struct {
	Claims    *Claims
	TokenID   string
	SessionID string
	ExpiresAt time.Time
}

// Verify runs the full verification pipeline. Every failure carries a
// stable [ErrorCode]; store failures fail closed with VERIFICATION_ERROR.
func (s *Service) Verify(ctx context.Context, tokenString string, opts VerifyOptions) (*VerifyResult, error) {
	claims, header, err := s.decodeUnverified(tokenString)
	if err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if err := s.checkStructure(claims, header); err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if err := s.checkBlacklist(ctx, claims.ID); err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if err := s.checkSignature(tokenString); err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if err := s.checkTiming(claims); err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if err := s.checkSecurityClaims(claims, opts); err != nil {
		s.metricInc(metrics.MetricTokenRejected)
		return nil, err
	}

	if claims.TokenType == TypeAccess && opts.IPAddress != "" {
		if err := s.checkReuse(ctx, claims, opts.IPAddress); err != nil {
			s.metricInc(metrics.MetricTokenRejected)
			return nil, err
		}
	}

	if !opts.SkipUsageUpdate {
		s.recordUsage(ctx, claims, opts)
	}

	s.metricInc(metrics.MetricTokenVerified)

	return &VerifyResult{
		Claims:    claims,
		TokenID:   claims.ID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) decodeUnverified(tokenString string) (*Claims, map[string]interface{}, error) {
	if tokenString == "" {
		return nil, nil, newError(CodeInvalidFormat, "empty token")
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &Claims{}
	tok, parts, err := parser.ParseUnverified(tokenString, claims)
	if err != nil || len(parts) != 3 {
		return nil, nil, newError(CodeInvalidFormat, "malformed token")
	}
	return claims, tok.Header, nil
}

func (s *Service) checkStructure(claims *Claims, header map[string]interface{}) error {
	alg, _ := header["alg"].(string)
	if alg != jwt.SigningMethodHS256.Alg() {
		return newError(CodeInvalidStructure, "unexpected signing algorithm")
	}
	if typ, _ := header["typ"].(string); typ != "JWT" {
		return newError(CodeInvalidStructure, "unexpected token type header")
	}
	if claims.Issuer != s.cfg.Issuer {
		return newError(CodeInvalidStructure, "issuer mismatch")
	}
	if !containsAudience(claims.Audience, s.cfg.Audience) {
		return newError(CodeInvalidStructure, "audience mismatch")
	}
	if claims.Subject == "" || claims.ID == "" {
		return newError(CodeInvalidStructure, "missing subject or token id")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return newError(CodeInvalidStructure, "missing timing claims")
	}
	return nil
}

func (s *Service) checkBlacklist(ctx context.Context, jti string) error {
	_, err := s.store.Get(ctx, blacklistKeyPrefix+jti)
	if err == nil {
		return newError(CodeBlacklisted, "token has been revoked")
	}
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	// Fail closed: a credential we cannot check is a credential we reject.
	return wrapError(CodeVerification, "blacklist check unavailable", err)
}

func (s *Service) checkSignature(tokenString string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	})
	if err != nil {
		return newError(CodeInvalidSignature, "invalid token signature")
	}
	return nil
}

func (s *Service) checkTiming(claims *Claims) error {
	now := s.now()

	if claims.ExpiresAt.Time.Before(now) {
		return newError(CodeExpired, "token expired")
	}
	if claims.NotBefore != nil && claims.NotBefore.Time.After(now.Add(s.cfg.ClockSkew)) {
		return newError(CodeExpired, "token not yet valid")
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now.Add(s.cfg.ClockSkew)) {
		return newError(CodeExpired, "token issued in the future")
	}
	return nil
}

func (s *Service) checkSecurityClaims(claims *Claims, opts VerifyOptions) error {
	if !claims.TokenType.valid() {
		return newError(CodeSecurityValidation, "unknown token type")
	}
	if opts.ExpectedType != "" && claims.TokenType != opts.ExpectedType {
		return newError(CodeSecurityValidation, "unexpected token type")
	}

	expected := identityChecksum(s.crypto, claims.Subject, claims.SessionID, claims.TokenType, claims.Permissions)
	if claims.Checksum != expected {
		return newError(CodeSecurityValidation, "identity checksum mismatch")
	}
	return nil
}

// checkReuse compares the presented IP with the last one recorded for the
// jti. A mismatch on an access token means the credential surfaced from a
// second vantage point: blacklist it and alert.
func (s *Service) checkReuse(ctx context.Context, claims *Claims, ip string) error {
	meta, err := s.getMeta(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// Metadata may have been minted by another deployment; nothing
			// to compare against.
			return nil
		}
		return wrapError(CodeVerification, "usage metadata unavailable", err)
	}

	if meta.LastIP != "" && meta.LastIP != ip {
		s.metricInc(metrics.MetricReuseDetected)
		s.emit(ctx, audit.Event{
			EventType: audit.EventTokenReuse,
			Severity:  audit.SeverityHigh,
			UserID:    claims.Subject,
			SessionID: claims.SessionID,
			TokenID:   claims.ID,
			IP:        ip,
			Metadata:  map[string]string{"previous_ip": meta.LastIP},
		})
		_, _ = s.Revoke(ctx, claims.ID, ReasonReuse)
		return newError(CodeSuspiciousActivity, "token reuse detected")
	}
	return nil
}

// recordUsage is best-effort bookkeeping; a failed write never fails the
// verification that already passed.
func (s *Service) recordUsage(ctx context.Context, claims *Claims, opts VerifyOptions) {
	meta, err := s.getMeta(ctx, claims.ID)
	if err != nil {
		return
	}

	now := s.now()
	meta.LastUsedAt = now.Unix()
	meta.UseCount++
	if opts.IPAddress != "" {
		meta.LastIP = opts.IPAddress
	}

	remaining := claims.ExpiresAt.Time.Sub(now)
	if remaining <= 0 {
		return
	}
	_ = s.putMeta(ctx, claims.ID, meta, remaining)
}

// Revoked describes a completed revocation.
type Revoked struct {
	TokenID string
	Reason  string
}

// Revoke blacklists a jti. The entry must outlive the credential: its
// TTL is the token's remaining lifetime when the jti metadata is still
// around, and never shorter than the configured refresh lifetime, so a
// revoked token with an extended TTL stays dead until it would have
// expired anyway.
func (s *Service) Revoke(ctx context.Context, tokenID, reason string) (*Revoked, error) {
	if tokenID == "" {
		return nil, newError(CodeVerification, "token id is required")
	}
	if reason == "" {
		reason = ReasonLogout
	}

	entry := blacklistRecord{
		RevokedAt: s.now().Unix(),
		Reason:    reason,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, wrapError(CodeVerification, "blacklist encode failed", err)
	}

	ttl := s.cfg.RefreshTTL
	if meta, err := s.getMeta(ctx, tokenID); err == nil {
		if remaining := time.Unix(meta.ExpiresAt, 0).Sub(s.now()); remaining > ttl {
			ttl = remaining
		}
	}

	if err := s.store.Set(ctx, blacklistKeyPrefix+tokenID, data, ttl); err != nil {
		return nil, wrapError(CodeVerification, "blacklist write failed", err)
	}

	s.metricInc(metrics.MetricTokenRevoked)
	s.emit(ctx, audit.Event{
		EventType: audit.EventTokenRevoked,
		Severity:  audit.SeverityLow,
		TokenID:   tokenID,
		Success:   true,
		Metadata:  map[string]string{"reason": reason},
	})

	return &Revoked{TokenID: tokenID, Reason: reason}, nil
}

// RefreshOptions carries the client context of a refresh call.
type RefreshOptions struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo map[string]string
}

// RefreshResult is returned by a successful refresh.
type RefreshResult struct {
	AccessToken    string
	RefreshToken   string
	AccessTokenID  string
	RefreshTokenID string
	SessionID      string
	ExpiresAt      time.Time
	Rotated        bool
}

// Refresh exchanges a valid refresh credential for a new access
// credential. With rotation enabled the presented refresh token is
// revoked and replaced, bound to the same session, so any replay of the
// old one fails with TOKEN_BLACKLISTED.
func (s *Service) Refresh(ctx context.Context, refreshToken string, opts RefreshOptions) (*RefreshResult, error) {
	verified, err := s.Verify(ctx, refreshToken, VerifyOptions{
		ExpectedType: TypeRefresh,
		IPAddress:    opts.IPAddress,
		UserAgent:    opts.UserAgent,
	})
	if err != nil {
		s.metricInc(metrics.MetricRefreshFailure)
		return nil, err
	}

	claims := verified.Claims

	if s.active != nil {
		ok, err := s.active.IsActive(ctx, claims.Subject)
		if err != nil {
			s.metricInc(metrics.MetricRefreshFailure)
			return nil, wrapError(CodeVerification, "principal lookup failed", err)
		}
		if !ok {
			s.metricInc(metrics.MetricRefreshFailure)
			return nil, newError(CodeUserInactive, "user account is inactive")
		}
	}

	access, err := s.Issue(ctx, claims.Subject, IssueOptions{
		Type:        TypeAccess,
		SessionID:   claims.SessionID,
		Permissions: claims.Permissions,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        claims.Role,
		IPAddress:   opts.IPAddress,
		UserAgent:   opts.UserAgent,
		DeviceInfo:  opts.DeviceInfo,
	})
	if err != nil {
		s.metricInc(metrics.MetricRefreshFailure)
		return nil, err
	}

	result := &RefreshResult{
		AccessToken:   access.Token,
		AccessTokenID: access.TokenID,
		RefreshToken:  refreshToken,
		SessionID:     claims.SessionID,
		ExpiresAt:     access.ExpiresAt,
	}

	if s.cfg.RotateRefresh {
		if _, err := s.Revoke(ctx, claims.ID, ReasonRotation); err != nil {
			s.metricInc(metrics.MetricRefreshFailure)
			return nil, err
		}

		rotated, err := s.Issue(ctx, claims.Subject, IssueOptions{
			Type:        TypeRefresh,
			SessionID:   claims.SessionID,
			Permissions: claims.Permissions,
			Email:       claims.Email,
			Name:        claims.Name,
			Role:        claims.Role,
			IPAddress:   opts.IPAddress,
			UserAgent:   opts.UserAgent,
			DeviceInfo:  opts.DeviceInfo,
		})
		if err != nil {
			s.metricInc(metrics.MetricRefreshFailure)
			return nil, err
		}

		result.RefreshToken = rotated.Token
		result.RefreshTokenID = rotated.TokenID
		result.Rotated = true
	}

	s.metricInc(metrics.MetricRefreshSuccess)
	s.emit(ctx, audit.Event{
		EventType: audit.EventTokenRefreshed,
		Severity:  audit.SeverityLow,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		IP:        opts.IPAddress,
		Success:   true,
		Metadata:  map[string]string{"rotated": boolString(result.Rotated)},
	})

	return result, nil
}

// Metadata returns the usage record for a jti, for audit tooling.
func (s *Service) Metadata(ctx context.Context, tokenID string) (map[string]interface{}, error) {
	data, err := s.store.Get(ctx, metaKeyPrefix+tokenID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, newError(CodeVerification, "no metadata for token")
		}
		return nil, wrapError(CodeVerification, "metadata lookup failed", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, wrapError(CodeVerification, "metadata decode failed", err)
	}
	return out, nil
}

func (s *Service) getMeta(ctx context.Context, jti string) (metadataRecord, error) {
	var meta metadataRecord
	data, err := s.store.Get(ctx, metaKeyPrefix+jti)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (s *Service) putMeta(ctx context.Context, jti string, meta metadataRecord, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return wrapError(CodeVerification, "metadata encode failed", err)
	}
	if err := s.store.Set(ctx, metaKeyPrefix+jti, data, ttl); err != nil {
		return wrapError(CodeVerification, "metadata write failed", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, event)
}

func (s *Service) metricInc(id metrics.MetricID) {
	if s.metrics != nil {
		s.metrics.Inc(id)
	}
}

func containsAudience(aud jwt.ClaimStrings, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

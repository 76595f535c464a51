package authgate

import (
	"time"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/ratelimit"
	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

// Config is the full configuration surface of a gateway. Zero values fall
// back to production defaults; only Token.Secret is mandatory.
type Config struct {
	Token     token.Config
	Session   session.Config
	RateLimit ratelimit.Config
	Audit     audit.Config
	Metrics   metrics.Config
	CORS      CORSConfig

	// RememberMeTTL replaces the refresh lifetime when a login asks to be
	// remembered.
	RememberMeTTL time.Duration

	// KeyPrefix namespaces every store key, so deployments can share one
	// Redis database.
	KeyPrefix string
}

// CORSConfig is the browser-facing cross-origin policy.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// DefaultConfig returns the production defaults used by the hosted
// deployment.
func DefaultConfig() Config {
	return Config{
		Token: token.Config{
			Issuer:        "it-era.it",
			Audience:      "it-era-admin",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			ClockSkew:     10 * time.Second,
			RotateRefresh: true,
		},
		Session: session.Config{
			TTL:           time.Hour,
			MaxConcurrent: 3,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Audit: audit.Config{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: metrics.Config{
			Enabled: true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"https://it-era.it", "https://www.it-era.it"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         12 * time.Hour,
		},
		RememberMeTTL: 30 * 24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Token.Issuer == "" {
		c.Token.Issuer = def.Token.Issuer
	}
	if c.Token.Audience == "" {
		c.Token.Audience = def.Token.Audience
	}
	if c.RememberMeTTL <= 0 {
		c.RememberMeTTL = def.RememberMeTTL
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Session.MaxConcurrent <= 0 {
		c.Session.MaxConcurrent = def.Session.MaxConcurrent
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS = def.CORS
	}
}

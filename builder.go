package authgate

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
	"github.com/it-era/authgate/ratelimit"
	"github.com/it-era/authgate/session"
	"github.com/it-era/authgate/token"
)

// Builder assembles a Gateway. Configure, then call Build exactly once.
type Builder struct {
	config Config

	redis  redis.UniversalClient
	store  kv.Store
	creds  CredentialStore
	sink   audit.Sink
	crypto token.CryptoProvider
	clock  func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis backs all state with Redis, prefixed by Config.KeyPrefix.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore supplies a custom kv store instead of Redis. Stores that also
// implement [kv.Counter] get atomic rate-limit counters.
func (b *Builder) WithStore(store kv.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithCredentials(creds CredentialStore) *Builder {
	b.creds = creds
	return b
}

// WithAuditSink routes audit events somewhere other than the store.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.sink = sink
	return b
}

// WithCryptoProvider overrides the default crypto primitives, e.g. to
// route digests through an HSM.
func (b *Builder) WithCryptoProvider(provider token.CryptoProvider) *Builder {
	b.crypto = provider
	return b
}

// WithClock injects a time source. Tests use it to step through TTLs.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires every component. The
// returned Gateway is ready to serve.
func (b *Builder) Build() (*Gateway, error) {
	if b.built {
		return nil, errors.New("authgate: builder already used")
	}
	b.built = true

	cfg := b.config
	cfg.applyDefaults()

	if len(cfg.Token.Secret) == 0 {
		return nil, errors.New("authgate: token signing secret is required")
	}
	if b.creds == nil {
		return nil, errors.New("authgate: credential store is required")
	}

	store := b.store
	if store == nil {
		if b.redis == nil {
			return nil, errors.New("authgate: a redis client or kv store is required")
		}
		store = kv.NewRedisStore(b.redis, cfg.KeyPrefix)
	}

	if b.clock == nil {
		b.clock = time.Now
	}

	m := metrics.New(cfg.Metrics)

	sink := b.sink
	if sink == nil {
		sink = audit.NewStoreSink(store, 0)
	}
	dispatcher := audit.NewDispatcher(cfg.Audit, sink)

	tokens, err := token.NewService(cfg.Token, token.Deps{
		Store:   store,
		Crypto:  b.crypto,
		Audit:   dispatcher,
		Metrics: m,
		Active:  b.creds,
		Clock:   b.clock,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(cfg.Session, session.Deps{
		Store:   store,
		Audit:   dispatcher,
		Metrics: m,
		Clock:   b.clock,
	})
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, ratelimit.Deps{
		Store:   store,
		Audit:   dispatcher,
		Metrics: m,
		Clock:   b.clock,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		limiter:  limiter,
		creds:    b.creds,
		store:    store,
		audit:    dispatcher,
		metrics:  m,
		now:      b.clock,
	}
	g.init()

	return g, nil
}

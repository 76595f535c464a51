package authgate

import (
	"context"
	"strings"
	"sync"

	"github.com/it-era/authgate/password"
)

// Principal is an authenticated identity as the credential store reports
// it. The password hash never leaves the store.
type Principal struct {
	ID          string
	Email       string
	Name        string
	Role        string
	Permissions []string
	Roles       []string
	Active      bool
}

// CredentialStore is the collaborator that owns identities. Authenticate
// must return [ErrInvalidCredentials] for unknown principals and wrong
// passwords alike, so responses cannot be used to probe for accounts.
type CredentialStore interface {
	Authenticate(ctx context.Context, email, plaintext string) (*Principal, error)
	IsActive(ctx context.Context, userID string) (bool, error)
}

// InMemoryCredentials is a CredentialStore for embedding and tests,
// hashing with Argon2id. Production deployments implement
// CredentialStore over their user database instead.
type InMemoryCredentials struct {
	hasher *password.Hasher

	mu     sync.RWMutex
	byMail map[string]*storedPrincipal
	byID   map[string]*storedPrincipal
}

type storedPrincipal struct {
	principal Principal
	hash      string
}

func NewInMemoryCredentials() (*InMemoryCredentials, error) {
	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &InMemoryCredentials{
		hasher: hasher,
		byMail: make(map[string]*storedPrincipal),
		byID:   make(map[string]*storedPrincipal),
	}, nil
}

// Add registers a principal with its plaintext password.
func (s *InMemoryCredentials) Add(p Principal, plaintext string) error {
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &storedPrincipal{principal: p, hash: hash}
	s.byMail[normalizeEmail(p.Email)] = stored
	s.byID[p.ID] = stored
	return nil
}

func (s *InMemoryCredentials) Authenticate(_ context.Context, email, plaintext string) (*Principal, error) {
	s.mu.RLock()
	stored, ok := s.byMail[normalizeEmail(email)]
	s.mu.RUnlock()

	if !ok {
		// Burn comparable time on unknown accounts so lookups and
		// mismatches are indistinguishable.
		_, _ = s.hasher.Verify(plaintext, decoyHash)
		return nil, ErrInvalidCredentials
	}

	match, err := s.hasher.Verify(plaintext, stored.hash)
	if err != nil || !match {
		return nil, ErrInvalidCredentials
	}

	p := stored.principal
	return &p, nil
}

func (s *InMemoryCredentials) IsActive(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	stored, ok := s.byID[userID]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return stored.principal.Active, nil
}

// SetActive flips a principal's active flag; refreshes for inactive
// principals fail with USER_INACTIVE.
func (s *InMemoryCredentials) SetActive(userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.byID[userID]; ok {
		stored.principal.Active = active
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// decoyHash is a valid Argon2id hash of random bytes, used to equalize
// response timing for unknown accounts.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=2$" +
	"cGVwcGVyZWQtZGVjb3ktc2FsdA==$" +
	"cGFkZGluZy1oYXNoLWJ5dGVzLTMyLWxvbmchISEhISE="

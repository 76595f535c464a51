package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CryptoProvider abstracts the primitive operations the token layer needs
// beyond JWT signing itself, so tests can run deterministically and
// deployments can route digests through a hardware module.
type CryptoProvider interface {
	RandomBytes(n int) ([]byte, error)
	Digest(data []byte) []byte
}

type stdProvider struct{}

// StdCrypto returns the default provider backed by crypto/rand and
// SHA-256.
func StdCrypto() CryptoProvider {
	return stdProvider{}
}

func (stdProvider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random source failed: %w", err)
	}
	return buf, nil
}

func (stdProvider) Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// GenerateSecret produces a hex-encoded signing secret of n random bytes.
// Intended for development bootstrap only; production deployments must
// configure an externally managed secret.
func GenerateSecret(provider CryptoProvider, n int) (string, error) {
	if provider == nil {
		provider = StdCrypto()
	}
	if n < 32 {
		n = 32
	}
	buf, err := provider.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

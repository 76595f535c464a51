package password

import (
	"strings"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	hasher, err := NewHasher(DefaultConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	hash, err := hasher.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := hasher.Verify("P@ssw0rd-Ascii", hash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("correct password rejected")
	}

	ok, err = hasher.Verify("wrong-password", hash)
	if err != nil {
		t.Fatalf("Verify wrong: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	hasher, err := NewHasher(DefaultConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	first, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	second, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if first == second {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestShortPasswordRejected(t *testing.T) {
	hasher, err := NewHasher(DefaultConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if _, err := hasher.Hash("short"); err == nil {
		t.Fatal("short password accepted")
	}
}

func TestNeedsRehash(t *testing.T) {
	weak, err := NewHasher(Config{
		Memory:      32768,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher(weak): %v", err)
	}

	hash, err := weak.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	strong, err := NewHasher(DefaultConfig())
	if err != nil {
		t.Fatalf("NewHasher(strong): %v", err)
	}

	needs, err := strong.NeedsRehash(hash)
	if err != nil {
		t.Fatalf("NeedsRehash: %v", err)
	}
	if !needs {
		t.Fatal("weak hash not flagged for rehash")
	}

	current, err := strong.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	needs, err = strong.NeedsRehash(current)
	if err != nil {
		t.Fatalf("NeedsRehash current: %v", err)
	}
	if needs {
		t.Fatal("current hash flagged for rehash")
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	hasher, err := NewHasher(DefaultConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	for _, encoded := range []string{
		"",
		"plainhash",
		"$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3$c2FsdA$aGFzaA",
	} {
		if _, err := hasher.Verify("password-x", encoded); err == nil {
			t.Fatalf("malformed hash accepted: %q", encoded)
		}
	}
}

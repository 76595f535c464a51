// Package password hashes and verifies credentials with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] reports when a stored hash was produced with weaker
// parameters than the current configuration, so callers can transparently
// re-hash on the next successful login.
//
// The package never stores, retrieves, or logs plaintext.
package password

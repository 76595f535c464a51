// Package token implements issuing, verifying, refreshing, and revoking the
// signed credentials (HS256 JWTs) that bind a principal to a session.
//
// Verification is a fixed pipeline where every step short-circuits with a
// stable machine-readable code: format, structure, blacklist, signature,
// timing, security claims, replay, usage tracking. Store failures during
// verification fail CLOSED: a credential that cannot be checked against
// the blacklist is rejected, the opposite of the rate limiter's fail-open
// policy.
package token

// Package middleware provides net/http middleware for services that
// embed authgate and need to protect their own routes: bearer-token
// verification with optional session binding, and claim extraction from
// the request context.
package middleware

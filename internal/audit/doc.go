// Package audit implements the asynchronous security-event pipeline shared
// by the token, session, and rate-limit components. Events are best-effort:
// a full buffer or a failing sink never fails the request that produced the
// event.
package audit

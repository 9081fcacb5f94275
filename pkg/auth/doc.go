// Package auth authenticates gateway callers.
//
// Authenticators vote Yes, No or Abstain on each request; a Chain asks them
// in order and falls back to a configured decision when all abstain. The
// apikey and jwt subpackages provide bearer token authenticators, noop
// admits everyone.
//
// Middleware runs the chain as HTTP middleware in front of the adapter,
// enforces per-subject token buckets (golang.org/x/time/rate), and stores
// the Identity in the request context.
package auth

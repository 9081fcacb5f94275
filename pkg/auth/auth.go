package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// Decision is the vote an Authenticator casts for a request.
type Decision int

const (
	// Yes means the credentials are valid; the chain stops.
	Yes Decision = iota
	// No means credentials were presented and rejected; the chain stops.
	No
	// Abstain means the authenticator does not handle these credentials.
	Abstain
)

// Result carries the outcome of one authentication attempt. Identity is set
// only for Yes, Err only for No.
type Result struct {
	Decision Decision
	Identity *Identity
	Err      error
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject is non-empty for every accepted request.
	Subject string

	// ServiceTier selects the rate limit bucket. Empty means "default".
	ServiceTier string

	Scopes   []string
	Metadata map[string]string
}

// Tier returns the service tier, defaulting to "default".
func (id *Identity) Tier() string {
	if id == nil || id.ServiceTier == "" {
		return "default"
	}
	return id.ServiceTier
}

// HasScope reports whether the identity was granted scope.
func (id *Identity) HasScope(scope string) bool {
	return id != nil && slices.Contains(id.Scopes, scope)
}

// Authenticator examines request credentials and casts a vote.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Anonymous is the identity used when every authenticator abstains and the
// chain is configured to let such requests through.
var Anonymous = Identity{Subject: "anonymous", ServiceTier: "default"}

// Chain evaluates authenticators in order and stops at the first Yes or No.
type Chain struct {
	authenticators []Authenticator
	fallback       Decision
}

// NewChain builds a chain. fallback decides requests every authenticator
// abstained on: Yes admits them as Anonymous, anything else rejects them.
func NewChain(fallback Decision, authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, fallback: fallback}
}

// Authenticate runs the chain.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, authn := range c.authenticators {
		if res := authn.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.fallback == Yes {
		id := Anonymous
		return Result{Decision: Yes, Identity: &id}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
// ok is false when the header is absent or uses another scheme, so the
// caller should abstain.
func BearerToken(r *http.Request) (token string, ok bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

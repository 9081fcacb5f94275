// Package apikey authenticates bearer tokens against a static set of API
// keys. Only SHA-256 digests of the keys are kept in memory.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/codexgate/pkg/auth"
)

// Key is one configured API key and the identity it grants.
type Key struct {
	Key      string
	Identity auth.Identity
}

type entry struct {
	digest   [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against the configured keys.
type Authenticator struct {
	keys []entry
}

// New hashes keys and returns an authenticator. Empty keys are skipped.
func New(keys []Key) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		a.keys = append(a.keys, entry{digest: sha256.Sum256([]byte(k.Key)), identity: k.Identity})
	}
	return a
}

// Len returns the number of usable keys.
func (a *Authenticator) Len() int { return len(a.keys) }

// Authenticate abstains without a bearer token, accepts a known key and
// rejects anything else. Every configured key is compared so the time
// taken does not depend on which key matched.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	digest := sha256.Sum256([]byte(token))
	match := -1
	for i, e := range a.keys {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	id := a.keys[match].identity
	return auth.Result{Decision: auth.Yes, Identity: &id}
}

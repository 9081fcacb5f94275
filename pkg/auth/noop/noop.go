// Package noop provides an authenticator that admits every request as the
// anonymous identity. It backs auth.type "none".
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/codexgate/pkg/auth"
)

// Authenticator always votes Yes.
type Authenticator struct{}

func (Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	id := auth.Anonymous
	return auth.Result{Decision: auth.Yes, Identity: &id}
}

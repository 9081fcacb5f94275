package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockAuthn is a test authenticator with a fixed vote.
type mockAuthn struct {
	result Result
}

func (m *mockAuthn) Authenticate(_ context.Context, _ *http.Request) Result {
	return m.result
}

func vote(d Decision, subject string) Authenticator {
	res := Result{Decision: d}
	switch d {
	case Yes:
		res.Identity = &Identity{Subject: subject}
	case No:
		res.Err = ErrUnauthenticated
	}
	return &mockAuthn{result: res}
}

func TestChain(t *testing.T) {
	tests := []struct {
		name         string
		chain        *Chain
		wantDecision Decision
		wantSubject  string
	}{
		{"first yes stops", NewChain(No, vote(Yes, "alice"), vote(No, "")), Yes, "alice"},
		{"first no stops", NewChain(No, vote(No, ""), vote(Yes, "bob")), No, ""},
		{"abstain then yes", NewChain(No, vote(Abstain, ""), vote(Yes, "jwt-user")), Yes, "jwt-user"},
		{"all abstain rejects", NewChain(No, vote(Abstain, ""), vote(Abstain, "")), No, ""},
		{"all abstain admits anonymous", NewChain(Yes, vote(Abstain, "")), Yes, "anonymous"},
		{"empty chain rejects", NewChain(No), No, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			res := tt.chain.Authenticate(context.Background(), r)
			if res.Decision != tt.wantDecision {
				t.Fatalf("Decision = %d, want %d", res.Decision, tt.wantDecision)
			}
			if tt.wantDecision == Yes && res.Identity.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", res.Identity.Subject, tt.wantSubject)
			}
			if tt.wantDecision == No && res.Err == nil {
				t.Error("No without an error")
			}
		})
	}
}

func TestChainAnonymousIsACopy(t *testing.T) {
	chain := NewChain(Yes)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	res := chain.Authenticate(context.Background(), r)
	res.Identity.Subject = "mutated"
	if Anonymous.Subject != "anonymous" {
		t.Errorf("Anonymous.Subject = %q after mutation", Anonymous.Subject)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header    string
		wantToken string
		wantOK    bool
	}{
		{"", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", true},
		{"Bearer", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			token, ok := BearerToken(r)
			if token != tt.wantToken || ok != tt.wantOK {
				t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, token, ok, tt.wantToken, tt.wantOK)
			}
		})
	}
}

func TestIdentityHelpers(t *testing.T) {
	var nilID *Identity
	if nilID.Tier() != "default" || nilID.HasScope("x") {
		t.Error("nil identity helpers")
	}
	id := &Identity{Subject: "alice", ServiceTier: "gold", Scopes: []string{"responses:write"}}
	if id.Tier() != "gold" {
		t.Errorf("Tier() = %q, want gold", id.Tier())
	}
	if !id.HasScope("responses:write") || id.HasScope("admin") {
		t.Errorf("HasScope mismatch for %v", id.Scopes)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	if IdentityFromContext(ctx) != nil {
		t.Error("expected nil identity from empty context")
	}
	ctx = WithIdentity(ctx, &Identity{Subject: "alice"})
	if got := IdentityFromContext(ctx); got == nil || got.Subject != "alice" {
		t.Errorf("got %v, want alice", got)
	}
}

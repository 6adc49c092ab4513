package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Decision is the vote of one authenticator.
type Decision int

const (
	// Yes means credentials are valid. The chain stops and the identity is used.
	Yes Decision = iota

	// No means credentials are present but invalid. The chain stops and the
	// request is rejected.
	No

	// Abstain means this authenticator cannot handle the credentials.
	Abstain
)

// Result carries the outcome of an authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // set when Decision == Yes
	Err      error     // set when Decision == No
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject is the unique caller identifier. Never empty.
	Subject string

	// Tier selects the rate limit.
	Tier string

	// Tenant scopes stored executions. Empty means unscoped.
	Tenant string

	Scopes []string
}

// Anonymous is the identity used when the chain admits unauthenticated
// callers.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", Tier: "default"}
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain evaluates authenticators in order.
type Chain struct {
	Authenticators []Authenticator

	// DefaultDecision applies when all authenticators abstain. Yes admits
	// the caller as Anonymous; anything else rejects.
	DefaultDecision Decision
}

// NewChain returns a chain that rejects callers nobody vouches for.
// With no authenticators it admits everyone, which is the "none" auth mode.
func NewChain(authenticators ...Authenticator) *Chain {
	c := &Chain{Authenticators: authenticators, DefaultDecision: No}
	if len(authenticators) == 0 {
		c.DefaultDecision = Yes
	}
	return c
}

// Authenticate runs the chain and stops on the first Yes or No.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, authn := range c.Authenticators {
		if result := authn.Authenticate(ctx, r); result.Decision != Abstain {
			return result
		}
	}

	if c.DefaultDecision == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken returns the token of a Bearer Authorization header and
// whether the header used that scheme at all.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	return token, true
}

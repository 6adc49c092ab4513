// Package apikey authenticates bearer tokens against a static set of API
// keys. Keys are kept only as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/sandout/pkg/auth"
)

// Key is one configured API key and the identity it grants.
type Key struct {
	Key      string
	Identity auth.Identity
}

type entry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against the configured keys.
type Authenticator struct {
	keys []entry
}

// New hashes the given keys. Plaintext keys are not retained.
func New(keys []Key) *Authenticator {
	a := &Authenticator{keys: make([]entry, 0, len(keys))}
	for _, k := range keys {
		a.keys = append(a.keys, entry{
			hash:     sha256.Sum256([]byte(k.Key)),
			identity: k.Identity,
		})
	}
	return a
}

// Authenticate abstains without a Bearer token, says No to unknown keys,
// and Yes with a copy of the key's identity otherwise.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(token))
	match := -1
	for i, e := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], e.hash[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := a.keys[match].identity
	id.Scopes = append([]string(nil), id.Scopes...)
	return auth.Result{Decision: auth.Yes, Identity: &id}
}

// Package transport holds the pieces of the network layer the session core
// depends on: custody of the issued token pair, and the hook through which
// the network layer forces a logout when credentials are irrecoverably
// dead.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/estately/go-estate-client/kvstore"
)

const tokensKey = "auth:v1:tokens"

// TokenStore keeps the opaque access/refresh pair. Presence of an access
// token is what gates a cold-start session restore.
type TokenStore interface {
	// AccessToken returns the persisted access token, or "" when no pair
	// is stored.
	AccessToken(ctx context.Context) (string, error)

	// Save persists the pair, replacing any prior one.
	Save(ctx context.Context, tok *oauth2.Token) error

	// Clear drops the pair. Clearing an empty store is a no-op.
	Clear(ctx context.Context) error
}

var _ TokenStore = (*PersistedTokens)(nil)

// PersistedTokens stores the pair as JSON in the shared durable store.
type PersistedTokens struct {
	store kvstore.Store
}

func NewPersistedTokens(store kvstore.Store) (*PersistedTokens, error) {
	if store == nil {
		return nil, errors.New("[NewPersistedTokens] store is required")
	}
	return &PersistedTokens{store: store}, nil
}

func (pt *PersistedTokens) AccessToken(ctx context.Context) (string, error) {
	stored, ok, err := pt.store.Get(ctx, tokensKey)
	if err != nil {
		return "", errors.Wrap(err, "[PersistedTokens.AccessToken] read tokens")
	}
	if !ok {
		return "", nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(stored), &tok); err != nil {
		return "", errors.Wrap(err, "[PersistedTokens.AccessToken] unmarshal tokens")
	}
	return tok.AccessToken, nil
}

func (pt *PersistedTokens) Save(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("[PersistedTokens.Save] token is required")
	}

	encoded, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "[PersistedTokens.Save] marshal tokens")
	}
	if err := pt.store.Set(ctx, tokensKey, string(encoded)); err != nil {
		return errors.Wrap(err, "[PersistedTokens.Save] write tokens")
	}
	return nil
}

func (pt *PersistedTokens) Clear(ctx context.Context) error {
	if err := pt.store.Delete(ctx, tokensKey); err != nil {
		return errors.Wrap(err, "[PersistedTokens.Clear] delete tokens")
	}
	return nil
}

// AccessTokenExpired reports whether raw carries a JWT exp claim in the
// past. The signature is never checked and tokens that do not parse are
// reported as not expired; the server remains the authority on validity,
// this only skips restore round trips that are visibly doomed.
func AccessTokenExpired(raw string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now)
}

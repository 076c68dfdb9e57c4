// Package api declares the shapes of the remote REST operations the client
// core consumes. The wire format and transport behavior (base URL, retries,
// timeouts) belong to the app's API layer; the core only sees asynchronous
// calls that may fail.
package api

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/estately/go-estate-client/identity"
)

// Credentials are a first-factor login attempt.
type Credentials struct {
	Email    string
	Password string
}

// Registration creates a new account. A successful registration behaves
// like a login: it may establish a session outright or demand a second
// factor.
type Registration struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Role      identity.Role
}

// AuthedSession is a fully established session as returned by the API.
type AuthedSession struct {
	User   identity.Identity
	Tokens *oauth2.Token
}

// TwoFactorChallenge is the intermediate result of a first-factor call that
// requires a second proof before a session is established.
type TwoFactorChallenge struct {
	SubjectID string
}

// LoginResult is the discriminated outcome of Login and Register: exactly
// one of Session or TwoFactor is non-nil.
type LoginResult struct {
	Session   *AuthedSession
	TwoFactor *TwoFactorChallenge
}

// Client is the consumed remote surface.
type Client interface {
	// Login performs first-factor authentication.
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)

	// Register creates an account and authenticates it.
	Register(ctx context.Context, reg Registration) (*LoginResult, error)

	// Verify2FA resolves a pending challenge. A wrong code fails the call
	// without invalidating the challenge server-side.
	Verify2FA(ctx context.Context, subjectID, code string) (*AuthedSession, error)

	// Logout invalidates the session remotely, on this device or
	// everywhere. Best-effort from the caller's point of view.
	Logout(ctx context.Context, everywhere bool) error

	// CurrentUser fetches the profile the access token belongs to.
	CurrentUser(ctx context.Context) (identity.Identity, error)

	// ProfileImage fetches the user's avatar URL. Used to backfill an
	// identity that came back without one.
	ProfileImage(ctx context.Context, userID string) (string, error)
}

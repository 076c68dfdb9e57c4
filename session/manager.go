// Package session owns the authenticated identity and drives the login,
// two-factor, restore and logout transitions. The manager is an explicit,
// injected state container with subscriber notification; nothing in the
// core imports it as an ambient singleton.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/estately/go-estate-client/api"
	"github.com/estately/go-estate-client/cache"
	"github.com/estately/go-estate-client/identity"
	"github.com/estately/go-estate-client/internal/utils"
	"github.com/estately/go-estate-client/kvstore"
	"github.com/estately/go-estate-client/transport"
)

// State is the session machine's position. At most one of the identity and
// the pending challenge is held at any time.
type State int

const (
	StateUnauthenticated State = iota
	StatePendingTwoFactor
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StatePendingTwoFactor:
		return "pending-two-factor"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Challenge is a pending second-factor demand. It survives failed
// verification attempts so the user can retry the code.
type Challenge struct {
	SubjectID string
}

// Persistence slots outside the cache namespace. The role slot survives
// logout so the next cold start can route to the right flow before the full
// restore completes; the avatar slot is a best-effort local copy
// independent of any session TTL, keyed by user so one account's image is
// never applied to another account on the same device.
const (
	roleKey         = "profile:v1:role"
	avatarKeyPrefix = "profile:v1:avatar:"
)

func avatarKey(userID string) string {
	return avatarKeyPrefix + userID
}

// Deps holds the manager's collaborators.
type Deps struct {
	API    api.Client            // Remote auth surface
	Tokens transport.TokenStore  // Token pair custody
	Cache  *cache.Service        // Wiped on logout
	Store  kvstore.Store         // Role and avatar slots
	Hook   *transport.LogoutHook // Optional forced-logout registration
}

// Manager drives the session state machine.
type Manager struct {
	deps    Deps
	nowTime func() time.Time
	logger  zerolog.Logger

	lock      sync.RWMutex
	identity  *identity.Identity
	challenge *Challenge
	lastErr   string
	subs      map[int]func(State)
	nextSubID int
}

var _ transport.AuthEventSink = (*Manager)(nil)

// ManagerOption modifies a Manager during construction.
type ManagerOption func(*Manager)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager initializes a Manager and, when a hook is supplied, registers
// it as the forced-logout sink. Registration happens exactly once, here.
func NewManager(deps Deps, options ...ManagerOption) (*Manager, error) {
	if deps.API == nil {
		return nil, errors.New("[NewManager] API client is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("[NewManager] token store is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("[NewManager] cache service is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[NewManager] store is required")
	}

	manager := &Manager{
		deps:    deps,
		nowTime: time.Now,
		logger:  zerolog.Nop(),
		subs:    make(map[int]func(State)),
	}

	for _, opt := range options {
		opt(manager)
	}

	if deps.Hook != nil {
		deps.Hook.Register(manager)
	}

	return manager, nil
}

// State returns the machine's current position.
func (m *Manager) State() State {
	m.lock.RLock()
	defer m.lock.RUnlock()

	switch {
	case m.identity != nil:
		return StateAuthenticated
	case m.challenge != nil:
		return StatePendingTwoFactor
	default:
		return StateUnauthenticated
	}
}

// CurrentUser returns a copy of the authenticated identity, or nil.
func (m *Manager) CurrentUser() *identity.Identity {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.identity == nil {
		return nil
	}
	return utils.Ptr(*m.identity)
}

// PendingChallenge returns a copy of the pending challenge, or nil.
func (m *Manager) PendingChallenge() *Challenge {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.challenge == nil {
		return nil
	}
	return utils.Ptr(*m.challenge)
}

// Err returns the last human-readable transition error. Callers clear it
// with ClearErr before retrying.
func (m *Manager) Err() string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.lastErr
}

func (m *Manager) ClearErr() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lastErr = ""
}

// Subscribe registers fn to be called on every state transition and returns
// its unsubscribe function.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.subs, id)
	}
}

// Login performs first-factor authentication. The returned state is either
// Authenticated or PendingTwoFactor. Errors both set the manager's error
// field and return, so the caller can drive its own feedback while passive
// observers see the field.
func (m *Manager) Login(ctx context.Context, creds api.Credentials) (State, error) {
	result, err := m.deps.API.Login(ctx, creds)
	if err != nil {
		m.setErr(err)
		return m.State(), errors.Wrap(err, "[Manager.Login] login call")
	}
	return m.applyLoginResult(ctx, result)
}

// Register creates an account and authenticates it, with the same
// discriminated outcome as Login.
func (m *Manager) Register(ctx context.Context, reg api.Registration) (State, error) {
	result, err := m.deps.API.Register(ctx, reg)
	if err != nil {
		m.setErr(err)
		return m.State(), errors.Wrap(err, "[Manager.Register] register call")
	}
	return m.applyLoginResult(ctx, result)
}

// Verify2FA resolves the pending challenge with the given code. A wrong
// code surfaces the error and leaves the challenge in place for retry.
func (m *Manager) Verify2FA(ctx context.Context, code string) (State, error) {
	challenge := m.PendingChallenge()
	if challenge == nil {
		m.setErr(NoPendingChallengeErr)
		return m.State(), NoPendingChallengeErr
	}

	session, err := m.deps.API.Verify2FA(ctx, challenge.SubjectID, code)
	if err != nil {
		m.setErr(err)
		return StatePendingTwoFactor, errors.Wrap(err, "[Manager.Verify2FA] verify call")
	}

	m.establish(ctx, session)
	return StateAuthenticated, nil
}

// Logout unwinds the session in a fixed order: remote invalidation
// (best-effort), cache wipe, state clear, token clear. The cache wipe completes
// before Logout returns, so a consumer re-fetching right after logout
// cannot observe the previous user's cached data. Safe to call repeatedly.
func (m *Manager) Logout(ctx context.Context, everywhere bool) error {
	if err := m.deps.API.Logout(ctx, everywhere); err != nil {
		m.logger.Debug().Err(err).Msg("remote logout failed")
	}

	wipeErr := m.deps.Cache.OnLogout(ctx)

	m.transition(func() {
		m.identity = nil
		m.challenge = nil
		m.lastErr = ""
	})

	clearErr := m.deps.Tokens.Clear(ctx)

	if wipeErr != nil {
		return errors.Wrap(wipeErr, "[Manager.Logout] cache wipe")
	}
	if clearErr != nil {
		return errors.Wrap(clearErr, "[Manager.Logout] clear tokens")
	}
	return nil
}

// OnSessionInvalidated implements transport.AuthEventSink: the network
// layer's forced logout takes the same transition as a user-initiated one.
func (m *Manager) OnSessionInvalidated() {
	m.logger.Info().Msg("session invalidated by transport, logging out")
	if err := m.Logout(context.Background(), false); err != nil {
		m.logger.Warn().Err(err).Msg("forced logout incomplete")
	}
}

// LoadSession restores a session at cold start. Without a persisted access
// token it resolves Unauthenticated with no network call. Any restore
// failure clears the tokens and resolves Unauthenticated, indistinguishable
// from a fresh install.
func (m *Manager) LoadSession(ctx context.Context) (State, error) {
	raw, err := m.deps.Tokens.AccessToken(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("token read failed during restore")
		return StateUnauthenticated, nil
	}
	if raw == "" {
		return StateUnauthenticated, nil
	}

	if transport.AccessTokenExpired(raw, m.nowTime()) {
		m.logger.Debug().Msg("persisted access token already expired, skipping restore fetch")
		return m.restoreFailed(ctx), nil
	}

	user, err := m.deps.API.CurrentUser(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("session restore fetch failed")
		return m.restoreFailed(ctx), nil
	}

	// The locally persisted role wins over a disagreeing server role while
	// tokens exist, to keep role-specific routing stable across restarts.
	if storedRole, ok, err := m.deps.Store.Get(ctx, roleKey); err == nil && ok && storedRole != "" {
		if identity.Role(storedRole) != user.Role {
			user.Role = identity.Role(storedRole)
		}
	}

	if user.AvatarURL == "" {
		if avatar, ok, err := m.deps.Store.Get(ctx, avatarKey(user.UserID)); err == nil && ok {
			user.AvatarURL = avatar
		}
	}

	m.transition(func() {
		m.identity = &user
		m.challenge = nil
	})
	return StateAuthenticated, nil
}

// RefreshUser silently reconciles the identity after a mutation elsewhere.
// Fetched fields are merged into the existing identity rather than
// replacing it, so locally-known fields the endpoint does not return
// survive. No loading indicator is involved.
func (m *Manager) RefreshUser(ctx context.Context) error {
	current := m.CurrentUser()
	if current == nil {
		return NotAuthenticatedErr
	}

	fetched, err := m.deps.API.CurrentUser(ctx)
	if err != nil {
		m.setErr(err)
		return errors.Wrap(err, "[Manager.RefreshUser] fetch current user")
	}

	merged := identity.Merge(*current, fetched)
	m.transition(func() {
		if m.identity != nil {
			m.identity = &merged
		}
	})
	return nil
}

// PersistedRole returns the role slot written on the last successful login.
// Pre-authentication UI reads this to pick a role-specific flow before the
// full restore completes.
func (m *Manager) PersistedRole(ctx context.Context) (identity.Role, bool) {
	stored, ok, err := m.deps.Store.Get(ctx, roleKey)
	if err != nil || !ok || stored == "" {
		return "", false
	}
	return identity.Role(stored), true
}

func (m *Manager) applyLoginResult(ctx context.Context, result *api.LoginResult) (State, error) {
	switch {
	case result != nil && result.TwoFactor != nil:
		m.transition(func() {
			m.identity = nil
			m.challenge = &Challenge{SubjectID: result.TwoFactor.SubjectID}
			m.lastErr = ""
		})
		return StatePendingTwoFactor, nil

	case result != nil && result.Session != nil:
		m.establish(ctx, result.Session)
		return StateAuthenticated, nil

	default:
		m.setErr(EmptyLoginResultErr)
		return m.State(), EmptyLoginResultErr
	}
}

// establish enters the Authenticated state from a full login result:
// persist the token pair and the role slot, backfill a missing avatar
// best-effort, then swap the identity in. Only the identity swap is
// load-bearing; everything else degrades without failing the login.
func (m *Manager) establish(ctx context.Context, session *api.AuthedSession) {
	if session.Tokens != nil {
		if err := m.deps.Tokens.Save(ctx, session.Tokens); err != nil {
			m.logger.Warn().Err(err).Msg("token persistence failed, session will not survive restart")
		}
	}

	user := session.User

	if err := m.deps.Store.Set(ctx, roleKey, string(user.Role)); err != nil {
		m.logger.Warn().Err(err).Msg("role slot write failed")
	}

	if user.AvatarURL == "" {
		if avatar, err := m.deps.API.ProfileImage(ctx, user.UserID); err == nil && avatar != "" {
			user.AvatarURL = avatar
		} else if stored, ok, err := m.deps.Store.Get(ctx, avatarKey(user.UserID)); err == nil && ok {
			user.AvatarURL = stored
		}
	}
	if user.AvatarURL != "" {
		if err := m.deps.Store.Set(ctx, avatarKey(user.UserID), user.AvatarURL); err != nil {
			m.logger.Debug().Err(err).Msg("avatar slot write failed")
		}
	}

	m.transition(func() {
		m.identity = &user
		m.challenge = nil
		m.lastErr = ""
	})
}

// restoreFailed makes a failed restore look like a fresh install: tokens
// gone, state unauthenticated, no user-facing error.
func (m *Manager) restoreFailed(ctx context.Context) State {
	if err := m.deps.Tokens.Clear(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("token clear failed after restore failure")
	}
	m.transition(func() {
		m.identity = nil
		m.challenge = nil
	})
	return StateUnauthenticated
}

func (m *Manager) setErr(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lastErr = err.Error()
}

// transition applies mutate under the lock and notifies subscribers of the
// resulting state outside it.
func (m *Manager) transition(mutate func()) {
	m.lock.Lock()
	mutate()

	var state State
	switch {
	case m.identity != nil:
		state = StateAuthenticated
	case m.challenge != nil:
		state = StatePendingTwoFactor
	default:
		state = StateUnauthenticated
	}

	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.lock.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

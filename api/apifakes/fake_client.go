package apifakes

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/estately/go-estate-client/api"
	"github.com/estately/go-estate-client/identity"
)

var _ api.Client = (*FakeClient)(nil)

// FakeClient is a scripted api.Client for tests. Each operation delegates
// to its Fn field when set and fails otherwise, so a test only scripts the
// calls it expects. Call counts are recorded per operation.
type FakeClient struct {
	LoginFn        func(ctx context.Context, creds api.Credentials) (*api.LoginResult, error)
	RegisterFn     func(ctx context.Context, reg api.Registration) (*api.LoginResult, error)
	Verify2FAFn    func(ctx context.Context, subjectID, code string) (*api.AuthedSession, error)
	LogoutFn       func(ctx context.Context, everywhere bool) error
	CurrentUserFn  func(ctx context.Context) (identity.Identity, error)
	ProfileImageFn func(ctx context.Context, userID string) (string, error)

	lock  sync.Mutex
	calls map[string]int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		calls: make(map[string]int),
	}
}

// Calls returns how many times the named operation was invoked.
func (fc *FakeClient) Calls(operation string) int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.calls[operation]
}

func (fc *FakeClient) record(operation string) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.calls[operation]++
}

func (fc *FakeClient) Login(ctx context.Context, creds api.Credentials) (*api.LoginResult, error) {
	fc.record("Login")
	if fc.LoginFn == nil {
		return nil, errors.New("FakeClient.Login not scripted")
	}
	return fc.LoginFn(ctx, creds)
}

func (fc *FakeClient) Register(ctx context.Context, reg api.Registration) (*api.LoginResult, error) {
	fc.record("Register")
	if fc.RegisterFn == nil {
		return nil, errors.New("FakeClient.Register not scripted")
	}
	return fc.RegisterFn(ctx, reg)
}

func (fc *FakeClient) Verify2FA(ctx context.Context, subjectID, code string) (*api.AuthedSession, error) {
	fc.record("Verify2FA")
	if fc.Verify2FAFn == nil {
		return nil, errors.New("FakeClient.Verify2FA not scripted")
	}
	return fc.Verify2FAFn(ctx, subjectID, code)
}

func (fc *FakeClient) Logout(ctx context.Context, everywhere bool) error {
	fc.record("Logout")
	if fc.LogoutFn == nil {
		return nil
	}
	return fc.LogoutFn(ctx, everywhere)
}

func (fc *FakeClient) CurrentUser(ctx context.Context) (identity.Identity, error) {
	fc.record("CurrentUser")
	if fc.CurrentUserFn == nil {
		return identity.Identity{}, errors.New("FakeClient.CurrentUser not scripted")
	}
	return fc.CurrentUserFn(ctx)
}

func (fc *FakeClient) ProfileImage(ctx context.Context, userID string) (string, error) {
	fc.record("ProfileImage")
	if fc.ProfileImageFn == nil {
		return "", errors.New("FakeClient.ProfileImage not scripted")
	}
	return fc.ProfileImageFn(ctx, userID)
}

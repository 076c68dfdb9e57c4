package storefakes

import (
	"context"
	"strings"
	"sync"

	"github.com/estately/go-estate-client/kvstore"
)

var _ kvstore.Store = (*FakeStore)(nil)

// FakeStore is an in-memory kvstore.Store for tests. The error fields, when
// set, are returned by the matching operation to drive failure paths.
type FakeStore struct {
	GetErr    error
	SetErr    error
	DeleteErr error

	values map[string]string
	lock   sync.RWMutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		values: make(map[string]string),
	}
}

func (fs *FakeStore) Get(_ context.Context, key string) (string, bool, error) {
	if fs.GetErr != nil {
		return "", false, fs.GetErr
	}
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	val, ok := fs.values[key]
	return val, ok, nil
}

func (fs *FakeStore) Set(_ context.Context, key, value string) error {
	if fs.SetErr != nil {
		return fs.SetErr
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.values[key] = value
	return nil
}

func (fs *FakeStore) Delete(_ context.Context, key string) error {
	if fs.DeleteErr != nil {
		return fs.DeleteErr
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()

	delete(fs.values, key)
	return nil
}

func (fs *FakeStore) DeletePrefix(_ context.Context, prefix string) error {
	if fs.DeleteErr != nil {
		return fs.DeleteErr
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()

	for key := range fs.values {
		if strings.HasPrefix(key, prefix) {
			delete(fs.values, key)
		}
	}
	return nil
}

// Keys returns every stored key, for asserting namespace discipline.
func (fs *FakeStore) Keys() []string {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	keys := make([]string, 0, len(fs.values))
	for key := range fs.values {
		keys = append(keys, key)
	}
	return keys
}

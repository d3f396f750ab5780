package testutil

import (
	"context"
	"time"

	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/stretchr/testify/mock"
)

type MockIdentityDirectory struct {
	mock.Mock
}

func (m *MockIdentityDirectory) UpsertIdentity(ctx context.Context, identity storage.Identity) (*storage.Identity, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Identity), args.Error(1)
}

func (m *MockIdentityDirectory) GetIdentity(ctx context.Context, email string) (*storage.Identity, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Identity), args.Error(1)
}

type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) SaveState(ctx context.Context, state *storage.OAuthState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockStateStore) ConsumeState(ctx context.Context, state string, now time.Time) (*storage.OAuthState, error) {
	args := m.Called(ctx, state, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.OAuthState), args.Error(1)
}

func (m *MockStateStore) PurgeStates(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

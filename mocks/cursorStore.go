package mocks

import (
	"context"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/stretchr/testify/mock"
)

// MockCursorStore is a mock implementation of CursorStore.
type MockCursorStore struct {
	mock.Mock
}

func (m *MockCursorStore) SaveCursor(ctx context.Context, clientID common.ClientID, cursor ds.TimeToken) error {
	args := m.Called(ctx, clientID, cursor)
	return args.Error(0)
}

func (m *MockCursorStore) LoadCursor(ctx context.Context, clientID common.ClientID) (ds.TimeToken, bool, error) {
	args := m.Called(ctx, clientID)
	return args.Get(0).(ds.TimeToken), args.Bool(1), args.Error(2)
}

func (m *MockCursorStore) DeleteCursor(ctx context.Context, clientID common.ClientID) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *MockCursorStore) Close() {
	m.Called()
}

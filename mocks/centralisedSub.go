package mocks

import (
	"context"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/stretchr/testify/mock"
)

// MockCentralisedSubscriber is a mock implementation of CentralisedSubscriber.
type MockCentralisedSubscriber struct {
	mock.Mock
}

func (m *MockCentralisedSubscriber) Subscribe(ctx context.Context, clientID string, channelName common.ChannelName) error {
	args := m.Called(ctx, clientID, channelName)
	return args.Error(0)
}

func (m *MockCentralisedSubscriber) UnSubscribe(ctx context.Context, clientID string, channelName common.ChannelName) error {
	args := m.Called(ctx, clientID, channelName)
	return args.Error(0)
}

func (m *MockCentralisedSubscriber) UnsubscribeAll(ctx context.Context, clientID string) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *MockCentralisedSubscriber) Deliver(ctx context.Context, result *ds.Result) {
	m.Called(ctx, result)
}

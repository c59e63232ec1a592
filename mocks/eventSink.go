package mocks

import (
	"context"

	"github.com/kychandar/pollsub/ds"
	"github.com/stretchr/testify/mock"
)

type MockEventSink struct {
	mock.Mock
}

func (m *MockEventSink) Publish(ctx context.Context, result *ds.Result) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockEventSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

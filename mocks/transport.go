package mocks

import (
	"context"

	"github.com/kychandar/pollsub/ds"
	"github.com/stretchr/testify/mock"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) LongPoll(ctx context.Context, req ds.PollRequest) (*ds.PollResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ds.PollResponse)
	return resp, args.Error(1)
}

package mocks

import (
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services/registry"
	"github.com/stretchr/testify/mock"
)

// MockPresenceNotifier is a mock implementation of PresenceNotifier.
type MockPresenceNotifier struct {
	mock.Mock
}

func (m *MockPresenceNotifier) NotifyLeave(objects []registry.SubscribedObject, cursor ds.TimeToken) {
	m.Called(objects, cursor)
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wersvet/chatcore/internal/bus"
)

// Bus mocks bus.Bus.
type Bus struct{ mock.Mock }

func (m *Bus) Publish(ctx context.Context, roomID int64, event any, excludeConnID string) error {
	args := m.Called(ctx, roomID, event, excludeConnID)
	return args.Error(0)
}

func (m *Bus) Consume(ctx context.Context) (<-chan bus.Delivery, error) {
	args := m.Called(ctx)
	return args.Get(0).(<-chan bus.Delivery), args.Error(1)
}

func (m *Bus) Close() error {
	args := m.Called()
	return args.Error(0)
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the AMQP publisher and keeps what it was given.
type PublisherMock struct {
	mock.Mock
}

// ExpectPublish accepts any number of publishes on routingKey, returning err.
func (m *PublisherMock) ExpectPublish(routingKey string, err error) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey, mock.Anything, mock.Anything).Return(err)
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Published returns the events sent on routingKey, in order.
func (m *PublisherMock) Published(routingKey string) []any {
	var out []any
	for _, call := range m.Calls {
		if call.Method == "Publish" && call.Arguments.String(1) == routingKey {
			out = append(out, call.Arguments.Get(2))
		}
	}
	return out
}

func (m *PublisherMock) LastEvent() any {
	call := m.lastPublish()
	if call == nil {
		return nil
	}
	return call.Arguments.Get(2)
}

func (m *PublisherMock) LastHeaders() map[string]string {
	call := m.lastPublish()
	if call == nil {
		return nil
	}
	headers, _ := call.Arguments.Get(3).(map[string]string)
	return headers
}

func (m *PublisherMock) lastPublish() *mock.Call {
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == "Publish" {
			return &m.Calls[i]
		}
	}
	return nil
}

// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	"procodus.dev/green-horizon/pkg/mq"
)

// MockPublisher is a mock implementation of mq.Publisher.
type MockPublisher struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls tracks all calls to Push with their arguments.
	PushCalls []PushCall

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PushCall records the arguments to a Push call.
type PushCall struct {
	Ctx  context.Context
	Data []byte
}

// NewMockPublisher creates a MockPublisher that accepts every message.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PushCalls: make([]PushCall, 0),
	}
}

// Push implements mq.Publisher.
func (m *MockPublisher) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, Data: data})

	if m.PushFunc != nil {
		return m.PushFunc(ctx, data)
	}
	return m.PushError
}

// Close implements mq.Publisher.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Calls returns a copy of the recorded Push calls.
func (m *MockPublisher) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]PushCall(nil), m.PushCalls...)
}

// Ensure MockPublisher implements mq.Publisher.
var _ mq.Publisher = (*MockPublisher)(nil)

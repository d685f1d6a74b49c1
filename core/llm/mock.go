package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests. Each Chat call returns
// the next response in order; the last response repeats once the script
// is exhausted. If Err is set it is returned instead.
type MockProvider struct {
	// Responses is the scripted sequence.
	Responses []Response

	// Err, when set, is returned by every Chat call.
	Err error

	// Calls records every request for assertions.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{Text: ""}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.callIndex++
	return m.Responses[idx], nil
}

// CallCount returns how many Chat calls were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

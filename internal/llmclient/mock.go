package llmclient

import "context"

// MockProvider returns scripted responses, one per call, in order. The last
// response repeats once the script is exhausted. Used in tests for the
// extractor and unification agent without a live API key.
type MockProvider struct {
	Responses []Message
	calls     int
}

func (m *MockProvider) Chat(_ context.Context, _ []Message, _ []ToolSchema, _ string) (Message, error) {
	if len(m.Responses) == 0 {
		return Message{Role: "assistant"}, nil
	}
	i := m.calls
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[i], nil
}

// Calls reports how many times Chat has been invoked.
func (m *MockProvider) Calls() int { return m.calls }

package dialogue

import (
	"context"
	"fmt"
	"strings"
)

// MockEngine echoes the caller so the relay can run without a provider.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	return &mockConversation{}, nil
}

// Resume continues the turn count of a call picked up mid-way.
func (e *MockEngine) Resume(ctx context.Context, callID string, history []Exchange) (Conversation, error) {
	return &mockConversation{turns: len(history)}, nil
}

type mockConversation struct {
	turns int
}

func (c *mockConversation) Advance(ctx context.Context, utterance string) (string, error) {
	select {
	case <-ctx.Done():
		return "", transientError("mock", ctx.Err())
	default:
	}

	c.turns++
	base := strings.TrimSpace(utterance)
	if base == "" {
		base = "nothing"
	}
	if c.turns == 1 {
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	return fmt.Sprintf("I heard you: %s. That is turn %d.", base, c.turns), nil
}

func (c *mockConversation) Close() error { return nil }

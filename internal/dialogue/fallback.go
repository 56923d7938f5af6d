package dialogue

import (
	"context"
	"errors"
	"fmt"
)

// Exchange is one answered caller utterance.
type Exchange struct {
	Utterance string
	Reply     string
}

// Resumer is implemented by engines that can open a conversation already
// primed with the earlier exchanges of a call.
type Resumer interface {
	Resume(ctx context.Context, callID string, history []Exchange) (Conversation, error)
}

// FallbackEngine tries a primary engine first and falls back on error. Once
// the fallback has answered for a call it keeps the rest of that call.
type FallbackEngine struct {
	primary  Engine
	fallback Engine
}

func NewFallbackEngine(primary, fallback Engine) *FallbackEngine {
	return &FallbackEngine{primary: primary, fallback: fallback}
}

func (e *FallbackEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	primary, err := e.primary.Open(ctx, callID)
	if err != nil {
		if e.fallback == nil || isContextErr(err) {
			return nil, err
		}
		return e.fallback.Open(ctx, callID)
	}
	return &fallbackConversation{engine: e, callID: callID, primary: primary}, nil
}

type fallbackConversation struct {
	engine    *FallbackEngine
	callID    string
	primary   Conversation
	secondary Conversation
	// history holds answered exchanges so the fallback can pick up the call.
	history []Exchange
}

func (c *fallbackConversation) Advance(ctx context.Context, utterance string) (string, error) {
	if c.secondary != nil {
		return c.advanceSecondary(ctx, utterance, nil)
	}

	reply, err := c.primary.Advance(ctx, utterance)
	if err == nil {
		c.history = append(c.history, Exchange{Utterance: utterance, Reply: reply})
		return reply, nil
	}
	if isContextErr(err) || c.engine.fallback == nil {
		return "", err
	}

	secondary, openErr := resume(ctx, c.engine.fallback, c.callID, c.history)
	if openErr != nil {
		return "", &EngineError{
			Kind:     KindOf(err),
			Provider: "fallback",
			Err:      fmt.Errorf("primary: %w; fallback open: %v", err, openErr),
		}
	}
	c.secondary = secondary
	c.history = nil
	return c.advanceSecondary(ctx, utterance, err)
}

func (c *fallbackConversation) advanceSecondary(ctx context.Context, utterance string, primaryErr error) (string, error) {
	reply, err := c.secondary.Advance(ctx, utterance)
	if err == nil {
		return reply, nil
	}
	if primaryErr == nil {
		return "", err
	}
	return "", &EngineError{
		Kind:     KindOf(err),
		Provider: "fallback",
		Err:      fmt.Errorf("primary: %w; fallback: %v", primaryErr, err),
	}
}

func (c *fallbackConversation) Close() error {
	err := c.primary.Close()
	if c.secondary != nil {
		err = errors.Join(err, c.secondary.Close())
	}
	return err
}

// resume opens a conversation on e carrying history when e supports it.
func resume(ctx context.Context, e Engine, callID string, history []Exchange) (Conversation, error) {
	if r, ok := e.(Resumer); ok && len(history) > 0 {
		return r.Resume(ctx, callID, history)
	}
	return e.Open(ctx, callID)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

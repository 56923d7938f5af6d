package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callrelay/internal/reliability"
)

var (
	httpBackoffBase = 150 * time.Millisecond
	httpBackoffCap  = time.Second
)

// Message is one entry of the transcript replayed to the HTTP engine.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// HTTPRequest is the body posted on every turn.
type HTTPRequest struct {
	CallID       string    `json:"call_id"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	InputText    string    `json:"input_text"`
	History      []Message `json:"history,omitempty"`
}

// HTTPEngine forwards turns to a stateless HTTP endpoint, replaying the
// locally held transcript on each request.
type HTTPEngine struct {
	url          string
	systemPrompt string
	retries      int
	client       *http.Client
}

func NewHTTPEngine(url, systemPrompt string, retries int, timeout time.Duration) *HTTPEngine {
	if retries < 0 {
		retries = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		url:          strings.TrimSpace(url),
		systemPrompt: systemPrompt,
		retries:      retries,
		client:       &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	return &httpConversation{engine: e, callID: callID}, nil
}

// Resume opens a conversation that replays history on its first request.
func (e *HTTPEngine) Resume(ctx context.Context, callID string, history []Exchange) (Conversation, error) {
	msgs := make([]Message, 0, 2*len(history))
	for _, ex := range history {
		msgs = append(msgs,
			Message{Role: "user", Text: ex.Utterance},
			Message{Role: "assistant", Text: ex.Reply},
		)
	}
	return &httpConversation{engine: e, callID: callID, history: msgs}, nil
}

type httpConversation struct {
	engine  *HTTPEngine
	callID  string
	history []Message
}

func (c *httpConversation) Advance(ctx context.Context, utterance string) (string, error) {
	payload, err := json.Marshal(HTTPRequest{
		CallID:       c.callID,
		SystemPrompt: c.engine.systemPrompt,
		InputText:    utterance,
		History:      c.history,
	})
	if err != nil {
		return "", permanentError("http", fmt.Errorf("marshal request: %w", err))
	}

	policy := reliability.Policy{Attempts: c.engine.retries + 1, Base: httpBackoffBase, Max: httpBackoffCap}
	var text string
	err = policy.Do(ctx, func(ctx context.Context) (reliability.Attempt, error) {
		reply, a, err := c.engine.post(ctx, payload)
		text = reply
		return a, err
	})
	if err != nil {
		var engineErr *EngineError
		if !errors.As(err, &engineErr) {
			err = transientError("http", err)
		}
		return "", err
	}

	c.history = append(c.history,
		Message{Role: "user", Text: utterance},
		Message{Role: "assistant", Text: text},
	)
	return text, nil
}

func (c *httpConversation) Close() error {
	c.history = nil
	return nil
}

// post performs one attempt and reports whether a retry may help.
func (e *HTTPEngine) post(ctx context.Context, payload []byte) (string, reliability.Attempt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return "", reliability.Attempt{}, permanentError("http", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return "", reliability.Attempt{Retry: ctx.Err() == nil}, transientError("http", fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", reliability.Attempt{Retry: true}, transientError("http", fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		statusErr := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		a := reliability.ClassifyResponse(res, time.Now())
		if a.Retry {
			return "", a, transientError("http", statusErr)
		}
		return "", a, permanentError("http", statusErr)
	}

	text := parseReply(body)
	if text == "" {
		return "", reliability.Attempt{}, permanentError("http", ErrEmptyReply)
	}
	return text, reliability.Attempt{}, nil
}

// parseReply accepts {"text": ...} style JSON or a plain text body.
func parseReply(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, k := range []string{"text", "reply", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

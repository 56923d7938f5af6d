package dialogue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiEngine keeps one client-side chat per call.
type GeminiEngine struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

func NewGeminiEngine(ctx context.Context, apiKey, model, systemPrompt string) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	return &GeminiEngine{
		client: client,
		model:  model,
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		},
	}, nil
}

func (e *GeminiEngine) Open(ctx context.Context, callID string) (Conversation, error) {
	chat, err := e.client.Chats.Create(ctx, e.model, e.config, nil)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return &geminiConversation{chat: chat}, nil
}

// Resume starts a chat seeded with the call's earlier exchanges.
func (e *GeminiEngine) Resume(ctx context.Context, callID string, history []Exchange) (Conversation, error) {
	contents := make([]*genai.Content, 0, 2*len(history))
	for _, ex := range history {
		contents = append(contents,
			genai.NewContentFromText(ex.Utterance, genai.RoleUser),
			genai.NewContentFromText(ex.Reply, genai.RoleModel),
		)
	}
	chat, err := e.client.Chats.Create(ctx, e.model, e.config, contents)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return &geminiConversation{chat: chat}, nil
}

type geminiConversation struct {
	chat *genai.Chat
}

func (c *geminiConversation) Advance(ctx context.Context, utterance string) (string, error) {
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: utterance})
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", permanentError("gemini", ErrEmptyReply)
	}
	return text, nil
}

// Close drops the chat; history lives only in the client.
func (c *geminiConversation) Close() error {
	c.chat = nil
	return nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return transientError("gemini", err)
		}
		return permanentError("gemini", err)
	}
	if KindOf(err) == Transient {
		return transientError("gemini", err)
	}
	return permanentError("gemini", err)
}

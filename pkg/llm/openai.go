package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openaiAdapter serves OpenAI and any OpenAI-compatible endpoint (xAI,
// Google's compatibility surface) through the same client.
type openaiAdapter struct {
	provider string
	client   *openai.Client
}

// Compile-time interface check.
var _ Adapter = (*openaiAdapter)(nil)

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible chat
// completions endpoint. An empty baseURL targets api.openai.com.
func NewOpenAIAdapter(provider, apiKey, baseURL string) Adapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &openaiAdapter{
		provider: provider,
		client:   openai.NewClientWithConfig(cfg),
	}
}

func (a *openaiAdapter) Provider() string { return a.provider }

// Complete executes one chat completion.
func (a *openaiAdapter) Complete(
	ctx context.Context, req Request,
) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)

	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}

	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", a.provider, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: empty response", a.provider)
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

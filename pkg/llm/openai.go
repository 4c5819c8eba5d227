// Package llm adapts the OpenAI Chat Completions API (and compatible
// providers) to the engine's LLMClient contract.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/config"
)

// ChatClient captures the subset of the go-openai client the adapter
// uses, so tests can stub the transport.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Client implements agent.LLMClient and the gap detector's completion
// interface over the Chat Completions API.
type Client struct {
	chat        ChatClient
	model       string
	temperature *float64
	maxTokens   *int64
}

// New builds a client from configuration. The API key is read from the
// configured environment variable; base_url supports OpenAI-compatible
// gateways.
func New(cfg config.LLMConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", keyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		chat:        openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// NewWithChatClient wires a custom transport, for tests.
func NewWithChatClient(chat ChatClient, model string) *Client {
	return &Client{chat: chat, model: model}
}

// Chat implements agent.LLMClient.
func (c *Client) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResult, error) {
	request := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: encodeMessages(req.Messages),
		Tools:    encodeTools(req.Tools),
	}
	if c.temperature != nil {
		request.Temperature = float32(*c.temperature)
	}
	if c.maxTokens != nil {
		request.MaxTokens = int(*c.maxTokens)
	}

	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	msg := response.Choices[0].Message
	result := &agent.ChatResult{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, agent.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return result, nil
}

// Complete implements the gap detector's one-shot completion interface.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	request := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return response.Choices[0].Message.Content, nil
}

func encodeMessages(messages []agent.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if m.Role == agent.RoleTool {
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		}
		out = append(out, msg)
	}
	return out
}

func encodeTools(defs []agent.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.ParametersSchema
		if schema == "" {
			schema = `{"type":"object","properties":{}}`
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(schema),
			},
		})
	}
	return tools
}

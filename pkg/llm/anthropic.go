package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client against Anthropic's Messages API. It
// fills the ResearcherPipeline's optional AI-analysis role (spec.md §4.9,
// "ANALYZE: static + optional AI"); sourced from the wider corpus
// (jordigilh-kubernaut lists anthropic-sdk-go in its stack for the same
// "LLM judges/classifies findings" role) rather than the teacher's own
// pkg/llm OpenAI-router, whose internal LM-Studio endpoint has no
// equivalent here. The teacher's Client interface shape is kept.
type AnthropicClient struct {
	client *anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient constructs a client from an API key. model defaults to
// Claude 3.5 Sonnet if empty.
func NewAnthropicClient(apiKey string, model anthropic.Model) *AnthropicClient {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	if model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}
	return &AnthropicClient{client: &c, model: model}
}

// Chat sends messages as a single turn and returns the first text block.
// Tool definitions are attached as-is; tool_calls in the response are
// surfaced back to the caller for the researcher pipeline to interpret
// against candidate vulnerabilities.
func (a *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 4096,
	}
	for _, m := range messages {
		switch m.Role {
		case "user":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if options != nil {
		params.Temperature = anthropic.Float(options.Temperature)
		params.TopP = anthropic.Float(options.TopP)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	resp := &Response{}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	return resp, nil
}

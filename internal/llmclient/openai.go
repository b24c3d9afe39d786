package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient implements Provider against the Chat Completions API, which
// also covers any OpenAI-compatible self-hosted server when BaseURL is set.
type OpenAIClient struct {
	sdk   openai.Client
	model string
}

// NewOpenAI builds an OpenAIClient. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{sdk: openai.NewClient(opts...), model: model}
}

func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error) {
	m := model
	if m == "" {
		m = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    m,
		Messages: openaiAdaptMessages(msgs),
		Tools:    openaiAdaptTools(tools),
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return Message{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, fmt.Errorf("openai chat: no choices returned")
	}
	choice := resp.Choices[0].Message
	out := Message{Role: "assistant", Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func openaiAdaptTools(tools []ToolSchema) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		}))
	}
	return out
}

func openaiAdaptMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "assistant":
			msg := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

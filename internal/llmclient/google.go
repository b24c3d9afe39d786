package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleClient implements Provider against the Gemini API.
type GoogleClient struct {
	client *genai.Client
	model  string
}

// NewGoogle builds a GoogleClient for the given API key and default model.
func NewGoogle(ctx context.Context, apiKey, model string) (*GoogleClient, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("new genai client: %w", err)
	}
	return &GoogleClient{client: c, model: model}, nil
}

func (g *GoogleClient) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error) {
	m := model
	if m == "" {
		m = g.model
	}

	var sysParts []*genai.Part
	var contents []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			sysParts = append(sysParts, genai.NewPartFromText(msg.Content))
		case "user":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Args, &args)
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case "tool":
			resp := map[string]any{"result": msg.Content}
			contents = append(contents, genai.NewContentFromParts(
				[]*genai.Part{genai.NewPartFromFunctionResponse(msg.ToolID, resp)}, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(sysParts) > 0 {
		cfg.SystemInstruction = genai.NewContentFromParts(sysParts, genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, m, contents, cfg)
	if err != nil {
		return Message{}, fmt.Errorf("gemini chat: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return Message{}, fmt.Errorf("gemini chat: no candidates returned")
	}

	var sb strings.Builder
	var calls []ToolCall
	idx := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			idx++
			args, _ := json.Marshal(part.FunctionCall.Args)
			calls = append(calls, ToolCall{
				Name: part.FunctionCall.Name,
				Args: args,
				ID:   fmt.Sprintf("call-%d", idx),
			})
		}
	}
	return Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}, nil
}

func convertSchema(params map[string]any) *genai.Schema {
	if params == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{Type: genai.TypeObject}
	if props, ok := params["properties"].(map[string]any); ok {
		s.Properties = map[string]*genai.Schema{}
		for name, v := range props {
			if m, ok := v.(map[string]any); ok {
				s.Properties[name] = convertLeafSchema(m)
			}
		}
	}
	if req, ok := params["required"].([]string); ok {
		s.Required = req
	}
	return s
}

func convertLeafSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		switch t {
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		default:
			s.Type = genai.TypeObject
		}
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	return s
}

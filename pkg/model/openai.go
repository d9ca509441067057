// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// OpenAIBackend implements Backend against the OpenAI chat completions API.
// Hosted APIs have no VRAM footprint of their own, so Load/Unload are no-ops;
// the model manager still accounts for a configured vram_gb when routing
// tasks that happen to be assigned an OpenAI-backed model.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates a backend using apiKey, or the OPENAI_API_KEY
// environment variable if apiKey is empty.
func NewOpenAIBackend(apiKey string) (*OpenAIBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("model: OPENAI_API_KEY is not set")
	}
	return &OpenAIBackend{client: openai.NewClient(apiKey)}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []tool.Call {
	out := make([]tool.Call, 0, len(calls))
	for _, c := range calls {
		args := map[string]any{}
		_ = json.Unmarshal([]byte(c.Function.Arguments), &args)
		out = append(out, tool.Call{ID: c.ID, Name: c.Function.Name, Args: args})
	}
	return out
}

func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return classify(errs.Resource, err)
		case 400, 401, 403, 404, 422:
			return classify(errs.Fatal, err)
		}
	}
	if strings.Contains(err.Error(), "context deadline exceeded") || errors.Is(err, context.DeadlineExceeded) {
		return classify(errs.Transient, err)
	}
	return classify(errs.Transient, err)
}

func (b *OpenAIBackend) Chat(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	})
	if err != nil {
		return ChatResponse{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, classify(errs.Fatal, fmt.Errorf("model: openai returned no choices"))
	}
	choice := resp.Choices[0]
	return ChatResponse{
		Text:            choice.Message.Content,
		NativeToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
		Metadata: map[string]any{
			"finish_reason": string(choice.FinishReason),
			"usage_tokens":  resp.Usage.TotalTokens,
		},
	}, nil
}

func (b *OpenAIBackend) ChatStream(ctx context.Context, modelName string, messages []Message, tools []ToolSpec, onToken OnToken) (ChatResponse, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
		Stream:   true,
	})
	if err != nil {
		return ChatResponse{}, classifyOpenAIError(err)
	}
	defer stream.Close()

	var text strings.Builder
	toolCallsByIndex := map[int]*openai.ToolCall{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ChatResponse{}, classifyOpenAIError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onToken != nil {
				onToken(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCallsByIndex[idx]
			if !ok {
				existing = &openai.ToolCall{Type: openai.ToolTypeFunction}
				toolCallsByIndex[idx] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Function.Name = tc.Function.Name
			}
			existing.Function.Arguments += tc.Function.Arguments
		}
	}

	calls := make([]openai.ToolCall, 0, len(toolCallsByIndex))
	for _, tc := range toolCallsByIndex {
		calls = append(calls, *tc)
	}

	return ChatResponse{Text: text.String(), NativeToolCalls: fromOpenAIToolCalls(calls)}, nil
}

func (b *OpenAIBackend) Load(ctx context.Context, modelName string) error   { return nil }
func (b *OpenAIBackend) Unload(ctx context.Context, modelName string) error { return nil }

func (b *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, m.ID)
	}
	return out, nil
}

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
	"errors"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/tool"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicBackend implements Backend against the Anthropic Messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a backend using apiKey, or the
// ANTHROPIC_API_KEY environment variable if apiKey is empty.
func NewAnthropicBackend(apiKey string) (*AnthropicBackend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("model: ANTHROPIC_API_KEY is not set")
	}
	return &AnthropicBackend{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func toAnthropicParams(modelName string, messages []Message, tools []ToolSpec) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var converted []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			converted = append(converted, anthropic.NewAssistantMessage(block))
		} else {
			converted = append(converted, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		Messages:  converted,
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, t := range tools {
			schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters}
			tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
			if tp.OfTool != nil {
				tp.OfTool.Description = anthropic.String(t.Description)
			}
			toolParams = append(toolParams, tp)
		}
		params.Tools = toolParams
	}
	return params
}

func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return classify(errs.Resource, err)
		case 400, 401, 403, 404, 422:
			return classify(errs.Fatal, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classify(errs.Transient, err)
	}
	return classify(errs.Transient, err)
}

func (b *AnthropicBackend) Chat(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	params := toAnthropicParams(modelName, messages, tools)
	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return ChatResponse{}, classifyAnthropicError(err)
	}

	var text strings.Builder
	var calls []tool.Call
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			_ = variant.Input
			calls = append(calls, tool.Call{ID: variant.ID, Name: variant.Name, Args: args})
		}
	}

	return ChatResponse{
		Text:            text.String(),
		NativeToolCalls: calls,
		Metadata: map[string]any{
			"stop_reason":  string(msg.StopReason),
			"usage_tokens": msg.Usage.OutputTokens + msg.Usage.InputTokens,
		},
	}, nil
}

func (b *AnthropicBackend) ChatStream(ctx context.Context, modelName string, messages []Message, tools []ToolSpec, onToken OnToken) (ChatResponse, error) {
	params := toAnthropicParams(modelName, messages, tools)
	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return ChatResponse{}, classifyAnthropicError(err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				text.WriteString(textDelta.Text)
				if onToken != nil {
					onToken(textDelta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return ChatResponse{}, classifyAnthropicError(err)
	}

	var calls []tool.Call
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			calls = append(calls, tool.Call{ID: variant.ID, Name: variant.Name, Args: map[string]any{}})
		}
	}

	return ChatResponse{Text: text.String(), NativeToolCalls: calls}, nil
}

func (b *AnthropicBackend) Load(ctx context.Context, modelName string) error   { return nil }
func (b *AnthropicBackend) Unload(ctx context.Context, modelName string) error { return nil }

func (b *AnthropicBackend) ListModels(ctx context.Context) ([]string, error) {
	page, err := b.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

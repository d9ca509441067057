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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/httpclient"
	"github.com/Iormungand21/sindri/pkg/tool"
)

var ollamaHTTPClient = &http.Client{Timeout: 5 * time.Minute}

// OllamaBackend implements Backend against a local Ollama daemon. Ollama is
// Sindri's local-first default: Load/Unload map directly onto Ollama's
// model pull/keep-alive semantics, unlike the hosted backends where they are
// no-ops.
type OllamaBackend struct {
	client  *httpclient.Client
	baseURL string
}

// NewOllamaBackend creates a backend against baseURL, defaulting to
// http://localhost:11434.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaBackend{
		client:  httpclient.New(httpclient.WithHTTPClient(ollamaHTTPClient)),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Messages []ollamaChatMessage  `json:"messages"`
	Tools    []ollamaTool         `json:"tools,omitempty"`
	Stream   bool                 `json:"stream"`
}

type ollamaChatResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatResponseMessage `json:"message"`
	Done    bool                      `json:"done"`
	Error   string                    `json:"error"`
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func toOllamaTools(tools []ToolSpec) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out = append(out, ot)
	}
	return out
}

func fromOllamaToolCalls(calls []ollamaToolCall) []tool.Call {
	out := make([]tool.Call, 0, len(calls))
	for _, c := range calls {
		out = append(out, tool.Call{Name: c.Function.Name, Args: c.Function.Arguments})
	}
	return out
}

func (b *OllamaBackend) doChat(ctx context.Context, reqBody ollamaChatRequest, onToken OnToken) (ChatResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ChatResponse{}, classify(errs.Fatal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, classify(errs.Fatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, classify(errs.Transient, fmt.Errorf("ollama: %w (is `ollama serve` running?)", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
		return ChatResponse{}, classify(errs.Resource, fmt.Errorf("ollama: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return ChatResponse{}, classify(errs.Fatal, fmt.Errorf("ollama: status %d", resp.StatusCode))
	}

	var text strings.Builder
	var lastCalls []tool.Call
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return ChatResponse{}, classify(errs.Fatal, fmt.Errorf("ollama: %s", chunk.Error))
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if onToken != nil {
				onToken(chunk.Message.Content)
			}
		}
		if len(chunk.Message.ToolCalls) > 0 {
			lastCalls = fromOllamaToolCalls(chunk.Message.ToolCalls)
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{}, classify(errs.Transient, err)
	}

	return ChatResponse{Text: text.String(), NativeToolCalls: lastCalls}, nil
}

func (b *OllamaBackend) Chat(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	return b.doChat(ctx, ollamaChatRequest{
		Model:    modelName,
		Messages: toOllamaMessages(messages),
		Tools:    toOllamaTools(tools),
		Stream:   false,
	}, nil)
}

func (b *OllamaBackend) ChatStream(ctx context.Context, modelName string, messages []Message, tools []ToolSpec, onToken OnToken) (ChatResponse, error) {
	return b.doChat(ctx, ollamaChatRequest{
		Model:    modelName,
		Messages: toOllamaMessages(messages),
		Tools:    toOllamaTools(tools),
		Stream:   true,
	}, onToken)
}

func (b *OllamaBackend) Load(ctx context.Context, modelName string) error {
	payload, _ := json.Marshal(map[string]string{"name": modelName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return classify(errs.Fatal, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return classify(errs.Transient, fmt.Errorf("ollama: pull %s: %w", modelName, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classify(errs.Fatal, fmt.Errorf("ollama: pull %s: status %d", modelName, resp.StatusCode))
	}
	return nil
}

func (b *OllamaBackend) Unload(ctx context.Context, modelName string) error {
	payload, _ := json.Marshal(map[string]any{"model": modelName, "keep_alive": 0})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return classify(errs.Fatal, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return classify(errs.Transient, fmt.Errorf("ollama: unload %s: %w", modelName, err))
	}
	defer resp.Body.Close()
	return nil
}

func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, classify(errs.Fatal, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classify(errs.Transient, fmt.Errorf("ollama: list models: %w (is `ollama serve` running?)", err))
	}
	defer resp.Body.Close()

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classify(errs.Fatal, err)
	}
	out := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

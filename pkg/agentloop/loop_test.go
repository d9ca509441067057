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

package agentloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/checkpoint"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/memory"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/observability"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/task"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// scriptedBackend returns one canned response per call, in order.
type scriptedBackend struct {
	responses []model.ChatResponse
	calls     int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Chat(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.ChatResponse, error) {
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

func (b *scriptedBackend) ChatStream(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec, onToken model.OnToken) (model.ChatResponse, error) {
	return b.Chat(ctx, modelName, messages, tools)
}

func (b *scriptedBackend) Load(ctx context.Context, modelName string) error   { return nil }
func (b *scriptedBackend) Unload(ctx context.Context, modelName string) error { return nil }
func (b *scriptedBackend) ListModels(ctx context.Context) ([]string, error)  { return []string{"test-model"}, nil }

// writeFileTool is a minimal write-class tool for loop tests.
type writeFileTool struct{}

func (writeFileTool) Name() string               { return "write_file" }
func (writeFileTool) Description() string        { return "writes a file" }
func (writeFileTool) Schema() *jsonschema.Schema { return &jsonschema.Schema{} }
func (writeFileTool) WriteClass() bool           { return true }
func (writeFileTool) Execute(ctx context.Context, args map[string]any, workDir string) (tool.Result, error) {
	return tool.Result{Content: "wrote file"}, nil
}

func newTestLoop(t *testing.T, backend model.Backend, def *agentdef.AgentDefinition) (*Loop, *task.Task) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions := session.New(st)
	tools := tool.NewRegistry()
	tools.Register(writeFileTool{})

	def.SetDefaults()
	models := modelmanager.New(backend, 1000, 0)
	mem := memory.NewBuilder(st, nil, nil, nil)
	bus := eventbus.New()
	hooks := checkpoint.NewHooks(checkpoint.NewManager(&checkpoint.Config{}, st))

	loop := &Loop{
		Def:              def,
		Sessions:         sessions,
		Tools:            tools,
		Models:           models,
		Backend:          backend,
		Memory:           mem,
		Bus:              bus,
		Hooks:            hooks,
		ProjectID:        "test-project",
		WorkDir:          t.TempDir(),
		MaxContextTokens: 2000,
		Retry:            DefaultRetryPolicy(),
	}

	tk := task.New("write a greeting to a.txt", def.Name, 0, 0, "test-model", def.MaxIterations)
	return loop, tk
}

func TestLoop_CompletesAfterWriteToolThenMarker(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: `I will write the file now.` + "\n" + `{"name": "write_file", "arguments": {"path": "a.txt"}}`},
		{Text: "Done. " + CompletionMarker},
	}}
	def := &agentdef.AgentDefinition{Name: "writer", Model: "test-model", EditClass: true, MaxIterations: 10}
	loop, tk := newTestLoop(t, backend, def)

	result := loop.Run(context.Background(), tk)

	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
	assert.Equal(t, "completed", result.Reason)
	assert.Equal(t, task.StateComplete, tk.Status())
	assert.Equal(t, 2, backend.calls)
}

func TestLoop_RejectsCompletionWithoutWriteForEditClassAgent(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: "Done without doing anything. " + CompletionMarker},
		{Text: `{"name": "write_file", "arguments": {"path": "a.txt"}}`},
		{Text: "Now done. " + CompletionMarker},
	}}
	def := &agentdef.AgentDefinition{Name: "writer", Model: "test-model", EditClass: true, MaxIterations: 10}
	loop, tk := newTestLoop(t, backend, def)

	result := loop.Run(context.Background(), tk)

	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
	assert.Equal(t, 3, backend.calls, "the premature completion claim should have been rejected once")
}

func TestLoop_AnalysisOnlyAgentCanCompleteWithoutAnyTool(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: "The codebase looks fine. " + CompletionMarker},
	}}
	def := &agentdef.AgentDefinition{Name: "reviewer", Model: "test-model", AnalysisOnly: true, MaxIterations: 10}
	loop, tk := newTestLoop(t, backend, def)

	result := loop.Run(context.Background(), tk)

	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
	assert.Equal(t, 1, backend.calls)
}

func TestLoop_FailsWhenMaxIterationsExhausted(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: "Still working on it, no marker yet."},
	}}
	def := &agentdef.AgentDefinition{Name: "writer", Model: "test-model", MaxIterations: 1}
	loop, tk := newTestLoop(t, backend, def)

	result := loop.Run(context.Background(), tk)

	require.NotNil(t, result.Success)
	assert.False(t, *result.Success)
	assert.Equal(t, "max_iterations_reached", result.Reason)
	assert.Equal(t, task.StateFailed, tk.Status())
}

func TestLoop_CancellationWinsOverRunningIteration(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: "working"},
	}}
	def := &agentdef.AgentDefinition{Name: "writer", Model: "test-model", MaxIterations: 10}
	loop, tk := newTestLoop(t, backend, def)
	tk.RequestCancel()

	result := loop.Run(context.Background(), tk)

	if assert.NotNil(t, result.Success) {
		assert.False(t, *result.Success)
	}
	assert.Equal(t, "cancelled", result.Reason)
	assert.Equal(t, task.StateCancelled, tk.Status())
	assert.Equal(t, 0, backend.calls, "a cancellation observed before the first iteration should call the backend zero times")
}

func TestLoop_RecordsObservabilitySpansAndMetricsWithoutPanicking(t *testing.T) {
	backend := &scriptedBackend{responses: []model.ChatResponse{
		{Text: `{"name": "write_file", "arguments": {"path": "a.txt"}}`, Metadata: map[string]any{"usage_tokens": 42}},
		{Text: "Done. " + CompletionMarker},
	}}
	def := &agentdef.AgentDefinition{Name: "writer", Model: "test-model", EditClass: true, MaxIterations: 10}
	loop, tk := newTestLoop(t, backend, def)

	obs, err := observability.NewManager(context.Background(), &observability.Config{
		Metrics: observability.MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	loop.Obs = obs

	result := loop.Run(context.Background(), tk)

	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)

	metricsText := captureMetrics(t, obs)
	assert.Contains(t, metricsText, "sindri_agent_calls_total")
	assert.Contains(t, metricsText, "sindri_tool_calls_total")
	assert.Contains(t, metricsText, "sindri_llm_calls_total")
}

func captureMetrics(t *testing.T, obs *observability.Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	obs.MetricsHandler().ServeHTTP(rec, req)
	return rec.Body.String()
}

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

// Package agentloop implements the Ralph loop (spec §4.1): the iterative
// cycle of context assembly, LLM call, tool execution, and completion
// validation that drives one task from PENDING to a terminal state.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/checkpoint"
	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/memory"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/observability"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/task"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// CompletionMarker is the literal string an agent emits to signal it
// considers its task finished (spec §6.1). It carries no attributes.
const CompletionMarker = "<sindri:complete/>"

// warnAtRemaining are the iteration counts remaining at which the loop
// injects a budget warning (spec §4.1 step 2).
var warnAtRemaining = []int{5, 3, 1}

// LoopResult is the outcome of one Run call.
type LoopResult struct {
	// Success is nil while the task is waiting on a delegated subtask
	// (reason "delegation_waiting"), true on completion, false otherwise.
	Success     *bool
	Iterations  int
	Reason      string
	FinalOutput string
}

func boolPtr(b bool) *bool { return &b }

// Loop drives a single task through spec §4.1's algorithm for one agent.
type Loop struct {
	Def      *agentdef.AgentDefinition
	Sessions *session.Service
	Tools    *tool.Registry
	Models   *modelmanager.Manager
	Backend  model.Backend
	Memory   *memory.Builder
	Bus      *eventbus.Bus
	Hooks    *checkpoint.Hooks

	// Obs is the tracing/metrics pair wrapping each iteration's LLM call and
	// tool executions. A nil *observability.Manager is valid and records
	// nothing (spec's ambient stack is opt-in at the kernel config level).
	Obs *observability.Manager

	// ProjectID scopes memory retrieval/indexing; WorkDir roots tool execution.
	ProjectID string
	WorkDir   string

	// MaxContextTokens bounds pkg/memory's context assembly (spec §6.6).
	MaxContextTokens int

	// Streaming enables ChatStream + STREAMING_* events (spec §6.6 "streaming").
	Streaming bool

	Retry RetryPolicy
}

// Run drives t through the Ralph loop until it reaches a terminal state, is
// cancelled, exhausts its iteration budget, or hands off to delegation.
func (l *Loop) Run(ctx context.Context, t *task.Task) LoopResult {
	sess, err := l.loadOrCreateSession(ctx, t)
	if err != nil {
		return l.fail(ctx, t, nil, "session_error", err.Error())
	}

	start := time.Now()
	l.Obs.Metrics().IncAgentActiveRuns(l.Def.Name)
	ctx, span := l.Obs.Tracer().StartAgentRun(ctx, l.Def.Name, l.Def.Role, sess.ID, t.ID(), t.ModelName())
	defer func() {
		if res := t.Result(); res != nil && !res.Success {
			l.Obs.Tracer().RecordError(span, fmt.Errorf("%s", res.Error))
			l.Obs.Metrics().RecordAgentError(l.Def.Name, l.Def.Role, "run_failed")
		}
		span.End()
		l.Obs.Metrics().DecAgentActiveRuns(l.Def.Name)
		l.Obs.Metrics().RecordAgentCall(l.Def.Name, l.Def.Role, time.Since(start))
	}()

	detector := newStuckDetector(l.Def.SimilarityThreshold, l.Def.MaxNudges)

	for iteration := 1; ; iteration++ {
		if t.CancelRequested() {
			t.SetStatus(task.StateCancelled)
			l.publishStatus(ctx, t, task.StateCancelled)
			return LoopResult{Success: boolPtr(false), Iterations: iteration - 1, Reason: "cancelled"}
		}

		if iteration > t.MaxIterations() {
			return l.fail(ctx, t, sess, "max_iterations_reached", "exhausted max_iterations without completion")
		}
		remaining := t.MaxIterations() - iteration + 1
		l.maybeWarnIteration(ctx, t, sess, remaining)

		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeIterationStart, TaskID: t.ID(), Payload: map[string]string{
			"iteration": strconv.Itoa(iteration),
		}})

		state := l.checkpointState(t, sess, iteration, task.StateRunning, "")
		l.Hooks.BeforeLLMCall(ctx, state)

		if err := l.ensureModelLoaded(ctx, t); err != nil {
			return l.fail(ctx, t, sess, "model_unavailable", err.Error())
		}

		messages, err := l.assembleContext(ctx, t, sess)
		if err != nil {
			return l.fail(ctx, t, sess, "context_assembly_failed", err.Error())
		}

		resp, err := l.callLLM(ctx, t, messages)
		if err != nil {
			return l.fail(ctx, t, sess, "llm_call_failed", err.Error())
		}
		l.Hooks.AfterLLMCall(ctx, state)

		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeAgentOutput, TaskID: t.ID(), Payload: map[string]string{
			"text": resp.Text,
		}})
		if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleAssistant, resp.Text, nativeToSessionCalls(resp.NativeToolCalls)); err != nil {
			return l.fail(ctx, t, sess, "session_error", err.Error())
		}

		calls, parseFailed := l.extractToolCalls(resp)
		if parseFailed {
			l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeToolParseFailed, TaskID: t.ID()})
		}

		toolsRanThisIteration := len(calls) > 0

		if toolsRanThisIteration {
			l.Hooks.BeforeToolExecution(ctx, state, calls[0].Name)
			if _, err := l.executeTools(ctx, t, sess, calls); err != nil {
				return l.fail(ctx, t, sess, "tool_execution_failed", err.Error())
			}
			l.Hooks.AfterToolExecution(ctx, state, calls[0].Name)
		}

		l.Hooks.OnIterationEnd(ctx, state, iteration)

		// A tool (e.g. a delegate-to-agent tool) may have moved the task to
		// WAITING this iteration; short-circuit before anything else so the
		// caller can suspend scheduling this task (spec §4.1 step 10).
		if waiting, result := l.checkDelegationWaiting(t); waiting {
			return result
		}

		// spec §4.1 step 7: any tool run this iteration forces another
		// iteration even if a completion marker is present.
		if toolsRanThisIteration {
			if stuck, nudge, terminal := detector.recordToolRound(calls); stuck {
				if terminal {
					return l.fail(ctx, t, sess, "stuck", "repeated tool calls with no progress across max_nudges")
				}
				if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleUser, nudge, nil); err != nil {
					return l.fail(ctx, t, sess, "session_error", err.Error())
				}
			}
			continue
		}

		if strings.Contains(resp.Text, CompletionMarker) {
			ok, reason := l.validateCompletion(ctx, sess)
			if ok {
				return l.complete(ctx, t, sess, iteration, resp.Text)
			}
			if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleUser, reason, nil); err != nil {
				return l.fail(ctx, t, sess, "session_error", err.Error())
			}
			continue
		}

		if stuck, nudge, terminal := detector.observe(resp.Text); stuck {
			if terminal {
				return l.fail(ctx, t, sess, "stuck", "repeated non-progress detected across max_nudges")
			}
			if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleUser, nudge, nil); err != nil {
				return l.fail(ctx, t, sess, "session_error", err.Error())
			}
			continue
		}
	}
}

func (l *Loop) loadOrCreateSession(ctx context.Context, t *task.Task) (*session.Session, error) {
	if id := t.SessionID(); id != "" {
		return l.Sessions.Get(ctx, id)
	}
	sess, err := l.Sessions.Create(ctx, "", t.Description(), t.ModelName())
	if err != nil {
		return nil, err
	}
	t.SetSessionID(sess.ID)

	system := l.Def.Prompt
	if system != "" {
		if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleSystem, system, nil); err != nil {
			return nil, err
		}
	}
	if _, err := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleUser, t.Description(), nil); err != nil {
		return nil, err
	}
	return sess, nil
}

func (l *Loop) maybeWarnIteration(ctx context.Context, t *task.Task, sess *session.Session, remaining int) {
	for _, threshold := range warnAtRemaining {
		if remaining == threshold {
			msg := fmt.Sprintf("%d iteration(s) remain before this task's budget is exhausted.", remaining)
			l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeIterationWarning, TaskID: t.ID(), Payload: map[string]string{
				"remaining": strconv.Itoa(remaining),
			}})
			_, _ = l.Sessions.AppendTurn(ctx, sess.ID, session.RoleUser, msg, nil)
			return
		}
	}
}

func (l *Loop) ensureModelLoaded(ctx context.Context, t *task.Task) error {
	primary := t.ModelName()
	if err := l.Models.EnsureLoaded(ctx, primary, t.VRAMRequired()); err == nil {
		return nil
	} else if errs.CategoryOf(err) != errs.Resource {
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeError, TaskID: t.ID(), Payload: map[string]string{"error": err.Error()}})
		return err
	}

	fallback := l.Def.FallbackModel
	if fallback == "" {
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeError, TaskID: t.ID(), Payload: map[string]string{"error": "primary model unavailable and no fallback configured"}})
		return fmt.Errorf("agentloop: model %q unavailable, no fallback configured", primary)
	}

	if err := l.Models.EnsureLoaded(ctx, fallback, l.Def.FallbackVRAMGB); err != nil {
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeError, TaskID: t.ID(), Payload: map[string]string{"error": err.Error()}})
		return err
	}
	l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeModelDegraded, TaskID: t.ID(), Payload: map[string]string{
		"primary":  primary,
		"fallback": fallback,
	}})
	return nil
}

func (l *Loop) assembleContext(ctx context.Context, t *task.Task, sess *session.Session) ([]model.Message, error) {
	turns, err := l.Sessions.Turns(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := l.Obs.Tracer().StartMemorySearch(ctx, "context_builder", 0)
	defer span.End()

	messages, err := l.Memory.BuildContext(ctx, l.ProjectID, t.Description(), turns, l.MaxContextTokens, t.ModelName())
	l.Obs.Metrics().RecordMemorySearch("context_builder", time.Since(start))
	if err != nil {
		l.Obs.Tracer().RecordError(span, err)
	}
	return messages, err
}

func (l *Loop) callLLM(ctx context.Context, t *task.Task, messages []model.Message) (model.ChatResponse, error) {
	specs := toolSpecs(l.Tools)
	modelName := t.ModelName()

	start := time.Now()
	ctx, span := l.Obs.Tracer().StartLLMCall(ctx, modelName, 0, l.Def.Temperature, 0)
	defer span.End()

	var resp model.ChatResponse
	var err error
	if !l.Streaming {
		resp, err = l.Backend.Chat(ctx, modelName, messages, specs)
	} else {
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeStreamingStart, TaskID: t.ID()})
		resp, err = l.Backend.ChatStream(ctx, modelName, messages, specs, func(chunk string) {
			l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeStreamingToken, TaskID: t.ID(), Payload: map[string]string{"chunk": chunk}})
		})
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeStreamingEnd, TaskID: t.ID()})
	}

	l.Obs.Metrics().RecordLLMCall(modelName, l.Backend.Name(), time.Since(start))
	if err != nil {
		l.Obs.Tracer().RecordError(span, err)
		l.Obs.Metrics().RecordLLMError(modelName, l.Backend.Name(), errs.CategoryOf(err).String())
		return resp, err
	}
	if usage, ok := resp.Metadata["usage_tokens"].(int); ok {
		l.Obs.Tracer().AddLLMUsage(span, 0, usage)
		l.Obs.Metrics().RecordLLMTokens(modelName, l.Backend.Name(), 0, usage)
	}
	return resp, nil
}

func (l *Loop) extractToolCalls(resp model.ChatResponse) (calls []tool.Call, parseFailed bool) {
	if len(resp.NativeToolCalls) > 0 {
		return resp.NativeToolCalls, false
	}
	parsed := tool.ParseText(resp.Text)
	return parsed.Calls, parsed.ParseFailed
}

// executeTools runs calls against l.Tools under l.Retry, recording each
// result as a tool turn. It returns whether any call was a successful
// write-class invocation (completion validation clause (c)).
func (l *Loop) executeTools(ctx context.Context, t *task.Task, sess *session.Session, calls []tool.Call) (bool, error) {
	anyWrite := false
	for _, call := range calls {
		l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeToolCalled, TaskID: t.ID(), Payload: map[string]string{
			"tool": call.Name,
		}})

		argsSummary := fmt.Sprintf("%v", call.Args)
		toolStart := time.Now()
		toolCtx, span := l.Obs.Tracer().StartToolExecution(ctx, t.ID(), call.Name, argsSummary)

		result, err := l.Retry.Execute(toolCtx, func() (tool.Result, error) {
			return l.Tools.Execute(toolCtx, call, l.WorkDir)
		})
		l.Obs.Metrics().RecordToolCall(call.Name, time.Since(toolStart))

		content := result.Content
		if err != nil {
			l.Obs.Tracer().RecordError(span, err)
			l.Obs.Metrics().RecordToolError(call.Name, errs.CategoryOf(err).String())
			if errs.CategoryOf(err) != errs.Agent {
				span.End()
				return anyWrite, err
			}
			content = err.Error()
		} else if l.Tools.IsWriteClass(call.Name) {
			anyWrite = true
		}
		l.Obs.Tracer().AddToolPayload(span, argsSummary, content)
		span.End()

		if _, appendErr := l.Sessions.AppendTurn(ctx, sess.ID, session.RoleTool, content, []session.ToolCall{{
			ID: call.ID, Name: call.Name, Args: call.Args,
		}}); appendErr != nil {
			return anyWrite, appendErr
		}
	}
	return anyWrite, nil
}

// validateCompletion applies spec §4.1's completion-validation clauses (a)
// and (c) — clause (b), "the current iteration executed zero tools", is
// already guaranteed by the caller only reaching this check when no tool ran
// this iteration. On rejection it returns a corrective message to inject as
// a user turn.
func (l *Loop) validateCompletion(ctx context.Context, sess *session.Session) (bool, string) {
	turns, err := l.Sessions.Turns(ctx, sess.ID)
	if err != nil {
		return false, "unable to verify completion; please continue."
	}

	toolEverRan := l.Def.AnalysisOnly
	writeSucceeded := false
	for _, turn := range turns {
		if turn.Role != session.RoleTool {
			continue
		}
		toolEverRan = true
		for _, c := range turn.ToolCalls {
			if l.Tools.IsWriteClass(c.Name) {
				writeSucceeded = true
			}
		}
	}

	if !toolEverRan {
		return false, "Completion was claimed but no tool has been executed yet. Use a tool before signaling completion, or mark this agent analysis_only if that is intentional."
	}
	if l.Def.EditClass && !writeSucceeded {
		return false, "Completion was claimed but no write-class tool has succeeded yet. Make the required changes before signaling completion."
	}
	return true, ""
}

func (l *Loop) checkDelegationWaiting(t *task.Task) (bool, LoopResult) {
	if t.Status() == task.StateWaiting {
		return true, LoopResult{Success: nil, Reason: "delegation_waiting"}
	}
	return false, LoopResult{}
}

func (l *Loop) complete(ctx context.Context, t *task.Task, sess *session.Session, iteration int, output string) LoopResult {
	t.SetStatus(task.StateComplete)
	t.SetResult(&task.Result{Success: true, Output: output})
	_ = l.Sessions.SetStatus(ctx, sess.ID, session.StatusComplete)
	l.publishStatus(ctx, t, task.StateComplete)
	l.Hooks.OnComplete(ctx, t.ID())
	return LoopResult{Success: boolPtr(true), Iterations: iteration, Reason: "completed", FinalOutput: output}
}

func (l *Loop) fail(ctx context.Context, t *task.Task, sess *session.Session, reason, errMsg string) LoopResult {
	t.SetStatus(task.StateFailed)
	t.SetResult(&task.Result{Success: false, Error: errMsg})
	if sess != nil {
		_ = l.Sessions.SetStatus(ctx, sess.ID, session.StatusFailed)
	}
	l.publishStatus(ctx, t, task.StateFailed)
	l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeError, TaskID: t.ID(), Payload: map[string]string{
		"reason": reason,
		"error":  errMsg,
	}})
	if sess != nil {
		state := l.checkpointState(t, sess, 0, task.StateFailed, errMsg)
		l.Hooks.OnError(ctx, state, fmt.Errorf("%s", errMsg))
	}
	return LoopResult{Success: boolPtr(false), Reason: reason, FinalOutput: errMsg}
}

func (l *Loop) publishStatus(ctx context.Context, t *task.Task, s task.State) {
	l.Bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeTaskStatusChanged, TaskID: t.ID(), Payload: map[string]string{
		"status": string(s),
	}})
}

func (l *Loop) checkpointState(t *task.Task, sess *session.Session, iteration int, status task.State, errCtx string) *checkpoint.State {
	return &checkpoint.State{
		TaskID:       t.ID(),
		SessionID:    sess.ID,
		Iteration:    iteration,
		Status:       status,
		ErrorContext: errCtx,
		UpdatedAt:    time.Now(),
	}
}

func nativeToSessionCalls(calls []tool.Call) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = session.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

func toolSpecs(reg *tool.Registry) []model.ToolSpec {
	tools := reg.List()
	specs := make([]model.ToolSpec, 0, len(tools))
	for _, t := range tools {
		params, err := schemaToMap(t.Schema())
		if err != nil {
			params = map[string]any{}
		}
		specs = append(specs, model.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: params})
	}
	return specs
}

// schemaToMap converts a jsonschema.Schema into the map[string]any shape
// model.ToolSpec.Parameters expects, by marshaling through JSON.
func schemaToMap(schema any) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

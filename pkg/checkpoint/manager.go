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

package checkpoint

import (
	"context"
	"log/slog"

	"github.com/Iormungand21/sindri/pkg/store"
)

// ResumeCallback is invoked for each recoverable checkpoint found at
// startup; the agent loop registers one to re-enter its run loop from a
// saved iteration rather than restarting the task from scratch.
type ResumeCallback func(ctx context.Context, state *State) error

// Manager orchestrates checkpoint persistence and startup recovery for the
// agent loop (spec §4.1 "checkpointing").
type Manager struct {
	config  *Config
	storage *Storage
	resume  ResumeCallback
}

// NewManager creates a checkpoint Manager over an open store.
func NewManager(cfg *Config, st *store.Store) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	return &Manager{config: cfg, storage: NewStorage(st)}
}

// IsEnabled returns whether checkpointing is enabled.
func (m *Manager) IsEnabled() bool { return m.config.IsEnabled() }

// SetResumeCallback registers the callback invoked during RecoverOnStartup.
func (m *Manager) SetResumeCallback(cb ResumeCallback) { m.resume = cb }

// SaveCheckpoint persists a checkpoint if checkpointing is enabled.
func (m *Manager) SaveCheckpoint(ctx context.Context, state *State) error {
	if !m.IsEnabled() {
		return nil
	}
	return m.storage.Save(ctx, state)
}

// LoadCheckpoint retrieves a checkpoint by task id.
func (m *Manager) LoadCheckpoint(ctx context.Context, taskID string) (*State, error) {
	return m.storage.Load(ctx, taskID)
}

// ClearCheckpoint removes a checkpoint, called once its task reaches a
// terminal state.
func (m *Manager) ClearCheckpoint(ctx context.Context, taskID string) error {
	return m.storage.Clear(ctx, taskID)
}

// RecoverOnStartup walks every non-terminal checkpoint found in the store
// and, for those not yet expired, invokes the registered ResumeCallback
// (spec §6.5 "startup integrity check"). Expired checkpoints are cleared
// rather than resumed.
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	if !m.config.ShouldAutoResume() {
		return nil
	}
	pending, err := m.storage.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, state := range pending {
		if state.IsExpired(m.config.MaxAge()) {
			slog.Warn("checkpoint: dropping expired checkpoint", "task_id", state.TaskID)
			if err := m.storage.Clear(ctx, state.TaskID); err != nil {
				slog.Warn("checkpoint: failed to clear expired checkpoint", "task_id", state.TaskID, "error", err)
			}
			continue
		}
		if m.resume == nil {
			continue
		}
		if err := m.resume(ctx, state); err != nil {
			slog.Warn("checkpoint: resume failed", "task_id", state.TaskID, "error", err)
		}
	}
	return nil
}

// ShouldCheckpointAtIteration returns whether to checkpoint at the given iteration.
func (m *Manager) ShouldCheckpointAtIteration(iteration int) bool {
	return m.config.ShouldCheckpointAtIteration(iteration)
}

// ShouldCheckpointAfterTools returns whether to checkpoint after tool execution.
func (m *Manager) ShouldCheckpointAfterTools() bool {
	return m.config.ShouldCheckpointAfterTools()
}

// ShouldCheckpointBeforeLLM returns whether to checkpoint before LLM calls.
func (m *Manager) ShouldCheckpointBeforeLLM() bool {
	return m.config.ShouldCheckpointBeforeLLM()
}

// Hooks wires checkpoint saves into the agent loop at the points spec §4.1
// names: before/after each LLM call, before/after tool execution, end of
// iteration, on error, and on completion.
type Hooks struct {
	manager *Manager
}

// NewHooks creates checkpoint hooks bound to a Manager.
func NewHooks(manager *Manager) *Hooks {
	if manager == nil {
		return nil
	}
	return &Hooks{manager: manager}
}

// BeforeLLMCall checkpoints before an LLM call if configured to.
func (h *Hooks) BeforeLLMCall(ctx context.Context, state *State) {
	if h == nil || !h.manager.ShouldCheckpointBeforeLLM() {
		return
	}
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("checkpoint: pre-LLM save failed", "task_id", state.TaskID, "error", err)
	}
}

// AfterLLMCall checkpoints after every LLM call when checkpointing is enabled.
func (h *Hooks) AfterLLMCall(ctx context.Context, state *State) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("checkpoint: post-LLM save failed", "task_id", state.TaskID, "error", err)
	}
}

// BeforeToolExecution checkpoints before a tool runs, when checkpointing is enabled.
func (h *Hooks) BeforeToolExecution(ctx context.Context, state *State, toolName string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("checkpoint: pre-tool save failed", "task_id", state.TaskID, "tool", toolName, "error", err)
	}
}

// AfterToolExecution checkpoints after a tool runs if configured to.
func (h *Hooks) AfterToolExecution(ctx context.Context, state *State, toolName string) {
	if h == nil || !h.manager.ShouldCheckpointAfterTools() {
		return
	}
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("checkpoint: post-tool save failed", "task_id", state.TaskID, "tool", toolName, "error", err)
	}
}

// OnIterationEnd checkpoints at the close of an iteration if the interval
// strategy says this iteration is a checkpoint boundary.
func (h *Hooks) OnIterationEnd(ctx context.Context, state *State, iteration int) {
	if h == nil || !h.manager.ShouldCheckpointAtIteration(iteration) {
		return
	}
	state.Iteration = iteration
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("checkpoint: iteration save failed", "task_id", state.TaskID, "iteration", iteration, "error", err)
	}
}

// OnError checkpoints with the error recorded as context, so a resumed run
// can surface what went wrong on the prior attempt.
func (h *Hooks) OnError(ctx context.Context, state *State, err error) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	state.ErrorContext = err.Error()
	if saveErr := h.manager.SaveCheckpoint(ctx, state); saveErr != nil {
		slog.Warn("checkpoint: error save failed", "task_id", state.TaskID, "original_error", err, "save_error", saveErr)
	}
}

// OnComplete clears the checkpoint once its task reaches a terminal state.
func (h *Hooks) OnComplete(ctx context.Context, taskID string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.ClearCheckpoint(ctx, taskID); err != nil {
		slog.Warn("checkpoint: clear on completion failed", "task_id", taskID, "error", err)
	}
}

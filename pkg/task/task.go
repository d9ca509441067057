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

// Package task defines Task, the unit of work assigned to exactly one
// agent, its lifecycle states, and the thread-safe map the scheduler and
// delegation manager mutate through.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a Task's position in its lifecycle (spec §4.2).
type State string

const (
	StatePending   State = "PENDING"
	StatePlanning  State = "PLANNING"
	StateRunning   State = "RUNNING"
	StateWaiting   State = "WAITING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateBlocked   State = "BLOCKED"
)

// IsTerminal reports whether s is a final state; no further transitions occur.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Result carries the outcome of a completed or failed task.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Task is one work item assigned to one agent; it owns exactly one session.
//
// parent_id/subtask_ids/depends_on reference other tasks by id, never by
// handle: the scheduler's Map is the single owner of the task graph, and the
// delegation manager resolves ids against it (spec §9, "parent references
// are ids, not handles").
type Task struct {
	mu sync.RWMutex

	id             string
	description    string
	assignedAgent  string
	priority       int
	status         State
	sessionID      string
	parentID       string
	subtaskIDs     map[string]struct{}
	dependsOn      map[string]struct{}
	vramRequired   float64
	modelName      string
	maxIterations  int
	cancelRequested bool
	result         *Result
	createdAt      time.Time
	updatedAt      time.Time
}

// New creates a PENDING task. sessionID is intentionally left empty: it is
// assigned at most once, by the agent loop on first run (spec §3 invariant c).
func New(description, assignedAgent string, priority int, vramRequired float64, modelName string, maxIterations int) *Task {
	now := time.Now()
	return &Task{
		id:            uuid.NewString(),
		description:   description,
		assignedAgent: assignedAgent,
		priority:      priority,
		status:        StatePending,
		subtaskIDs:    make(map[string]struct{}),
		dependsOn:     make(map[string]struct{}),
		vramRequired:  vramRequired,
		modelName:     modelName,
		maxIterations: maxIterations,
		createdAt:     now,
		updatedAt:     now,
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Description() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.description
}

func (t *Task) AssignedAgent() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.assignedAgent
}

func (t *Task) Priority() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

func (t *Task) Status() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus transitions the task's status, except that a CANCELLED task can
// never be overwritten by a subsequent FAILED transition (spec §5, §7 —
// "cancellation always wins").
func (t *Task) SetStatus(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StateCancelled && s == StateFailed {
		return
	}
	t.status = s
	t.updatedAt = time.Now()
}

// SessionID returns the task's session id, or "" if none has been assigned yet.
func (t *Task) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// SetSessionID assigns the session id exactly once; subsequent calls are no-ops
// (spec §3 invariant c: "a task's session_id is assigned at most once").
func (t *Task) SetSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != "" {
		return
	}
	t.sessionID = id
	t.updatedAt = time.Now()
}

func (t *Task) ParentID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parentID
}

func (t *Task) SetParentID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parentID = id
}

// AddSubtask registers a child task id.
func (t *Task) AddSubtask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subtaskIDs[id] = struct{}{}
}

// SubtaskIDs returns a snapshot of child task ids.
func (t *Task) SubtaskIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.subtaskIDs))
	for id := range t.subtaskIDs {
		out = append(out, id)
	}
	return out
}

// AddDependency registers a task id this task depends on.
func (t *Task) AddDependency(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dependsOn[id] = struct{}{}
}

// DependsOn returns a snapshot of dependency task ids.
func (t *Task) DependsOn() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.dependsOn))
	for id := range t.dependsOn {
		out = append(out, id)
	}
	return out
}

func (t *Task) VRAMRequired() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.vramRequired
}

func (t *Task) ModelName() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modelName
}

func (t *Task) MaxIterations() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxIterations
}

// RequestCancel sets cancel_requested. The flag moves monotonically to true
// (spec §3 invariant d) — it is never cleared.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelRequested = true
}

func (t *Task) CancelRequested() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelRequested
}

func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

func (t *Task) SetResult(r *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = r
	t.updatedAt = time.Now()
}

func (t *Task) CreatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createdAt
}

func (t *Task) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

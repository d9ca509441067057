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

// Package delegation implements hierarchical task delegation between agents
// (spec §4.5): one agent hands a subtask to another, waits, and resumes once
// the child finishes.
package delegation

import (
	"context"
	"fmt"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/scheduler"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/task"
)

// DefaultMaxDepth bounds the delegation chain when no override is configured
// (spec §4.5 "default 5").
const DefaultMaxDepth = 5

// Manager validates and carries out delegations between agent-assigned tasks.
type Manager struct {
	agents    *agentdef.Registry
	tasks     *task.Map
	scheduler *scheduler.Scheduler
	models    *modelmanager.Manager
	sessions  *session.Service
	bus       *eventbus.Bus
	maxDepth  int
}

// New creates a delegation Manager. maxDepth <= 0 uses DefaultMaxDepth.
func New(agents *agentdef.Registry, tasks *task.Map, sched *scheduler.Scheduler, models *modelmanager.Manager, sessions *session.Service, bus *eventbus.Bus, maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Manager{agents: agents, tasks: tasks, scheduler: sched, models: models, sessions: sessions, bus: bus, maxDepth: maxDepth}
}

// Delegate creates a child task assigned to targetAgent on behalf of parent,
// after validating the delegation is permitted (spec §4.5).
func (m *Manager) Delegate(ctx context.Context, parent *task.Task, targetAgent, taskDesc string) (*task.Task, error) {
	parentAgentName := parent.AssignedAgent()
	if !m.agents.CanDelegate(parentAgentName, targetAgent) {
		return nil, errs.New(errs.Agent, fmt.Errorf(
			"delegation: agent %q is not permitted to delegate to %q", parentAgentName, targetAgent))
	}

	if m.tasks.Depth(parent)+1 >= m.maxDepth {
		return nil, errs.New(errs.Agent, fmt.Errorf(
			"delegation: max_depth %d exceeded delegating from %q", m.maxDepth, parentAgentName))
	}

	childDef, ok := m.agents.Get(targetAgent)
	if !ok {
		return nil, errs.New(errs.Agent, fmt.Errorf("delegation: unknown agent %q", targetAgent))
	}

	child := task.New(taskDesc, targetAgent, parent.Priority(), childDef.VRAMGB, childDef.Model, childDef.MaxIterations)
	child.SetParentID(parent.ID())
	parent.AddSubtask(child.ID())

	m.scheduler.Add(child)
	m.models.PreWarm(childDef.Model, childDef.VRAMGB)
	parent.SetStatus(task.StateWaiting)

	m.bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeDelegationStart, TaskID: child.ID(), Payload: map[string]string{
		"parent_id": parent.ID(),
		"agent":     targetAgent,
	}})

	return child, nil
}

// OnChildCompleted folds a completed child's result into its parent's
// session as a tool turn and re-admits the parent to the scheduler.
func (m *Manager) OnChildCompleted(ctx context.Context, parent, child *task.Task) error {
	result := child.Result()
	output := ""
	if result != nil {
		output = result.Output
	}
	return m.resumeParent(ctx, parent, child, fmt.Sprintf("Subtask %q completed: %s", child.Description(), output))
}

// OnChildFailed folds a failed child's error into its parent's session as a
// tool turn and re-admits the parent; the parent agent decides whether this
// is fatal to its own task.
func (m *Manager) OnChildFailed(ctx context.Context, parent, child *task.Task, childErr error) error {
	msg := "unknown error"
	if childErr != nil {
		msg = childErr.Error()
	} else if result := child.Result(); result != nil {
		msg = result.Error
	}
	return m.resumeParent(ctx, parent, child, fmt.Sprintf("Subtask %q failed: %s", child.Description(), msg))
}

func (m *Manager) resumeParent(ctx context.Context, parent, child *task.Task, summary string) error {
	if sessionID := parent.SessionID(); sessionID != "" {
		if _, err := m.sessions.AppendTurn(ctx, sessionID, session.RoleTool, summary, nil); err != nil {
			return fmt.Errorf("delegation: recording child result on parent session: %w", err)
		}
	}

	parent.SetStatus(task.StatePending)
	m.scheduler.Add(parent)

	eventType := eventbus.TypeDelegationResult
	m.bus.Publish(ctx, eventbus.Event{Type: eventType, TaskID: child.ID(), Payload: map[string]string{
		"parent_id": parent.ID(),
		"summary":   summary,
	}})
	return nil
}

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

// Package orchestrator is Sindri's single façade: it owns the scheduling
// pump that turns a root task into a stream of dispatched agent-loop runs
// (spec §4.3) and folds their outcomes — including delegation hand-offs —
// back into the task graph until the root task reaches a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/agentloop"
	"github.com/Iormungand21/sindri/pkg/checkpoint"
	"github.com/Iormungand21/sindri/pkg/delegation"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/memory"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/observability"
	"github.com/Iormungand21/sindri/pkg/scheduler"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/task"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// Config bundles the orchestrator's tunables (spec §6.6).
type Config struct {
	TotalVRAMGB      float64
	ReserveVRAMGB    float64
	MaxContextTokens int
	Streaming        bool
	Retry            agentloop.RetryPolicy
}

// SetDefaults fills in zero-valued fields with spec-stated defaults.
func (c *Config) SetDefaults() {
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 8192
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = agentloop.DefaultRetryPolicy()
	}
}

// Orchestrator wires every kernel subsystem together and drives the
// schedule-dispatch-reconcile cycle for one project.
type Orchestrator struct {
	cfg Config

	agents     *agentdef.Registry
	tasks      *task.Map
	scheduler  *scheduler.Scheduler
	models     *modelmanager.Manager
	backend    model.Backend
	sessions   *session.Service
	memory     *memory.Builder
	bus        *eventbus.Bus
	tools      *tool.Registry
	hooks      *checkpoint.Hooks
	delegation *delegation.Manager
	obs        *observability.Manager

	projectID string
	workDir   string

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// Dependencies are the already-constructed subsystems the orchestrator wires
// together. Models, Tools, Sessions, Memory, Bus, Scheduler and Delegation
// mirror the stages of SPEC_FULL.md's dependency order; the remaining fields
// are shared inputs those stages are built from or run against.
type Dependencies struct {
	Agents     *agentdef.Registry
	Tasks      *task.Map
	Scheduler  *scheduler.Scheduler
	Models     *modelmanager.Manager
	Backend    model.Backend
	Sessions   *session.Service
	Memory     *memory.Builder
	Bus        *eventbus.Bus
	Tools      *tool.Registry
	Checkpoint *checkpoint.Manager
	Delegation *delegation.Manager
	Obs        *observability.Manager
	ProjectID  string
	WorkDir    string
}

// New assembles an Orchestrator over deps.
func New(cfg Config, deps Dependencies) *Orchestrator {
	cfg.SetDefaults()
	return &Orchestrator{
		cfg:        cfg,
		agents:     deps.Agents,
		tasks:      deps.Tasks,
		scheduler:  deps.Scheduler,
		models:     deps.Models,
		backend:    deps.Backend,
		sessions:   deps.Sessions,
		memory:     deps.Memory,
		bus:        deps.Bus,
		tools:      deps.Tools,
		hooks:      checkpoint.NewHooks(deps.Checkpoint),
		delegation: deps.Delegation,
		obs:        deps.Obs,
		projectID:  deps.ProjectID,
		workDir:    deps.WorkDir,
		running:    make(map[string]struct{}),
	}
}

// Submit creates a root task for agentName and queues it for scheduling.
func (o *Orchestrator) Submit(desc, agentName string, priority int) (*task.Task, error) {
	def, ok := o.agents.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown agent %q", agentName)
	}
	t := task.New(desc, agentName, priority, def.VRAMGB, def.Model, def.MaxIterations)
	o.tasks.Add(t)
	o.scheduler.Add(t)
	o.bus.Publish(context.Background(), eventbus.Event{Type: eventbus.TypeTaskCreated, TaskID: t.ID(), Payload: map[string]string{
		"agent": agentName,
	}})
	return t, nil
}

// Run pumps the scheduling loop until root reaches a terminal state or ctx
// is cancelled, dispatching every ready batch concurrently (spec §4.3).
func (o *Orchestrator) Run(ctx context.Context, root *task.Task) (*task.Result, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if root.Status().IsTerminal() {
			return root.Result(), nil
		}

		batch := o.scheduler.GetReadyBatch(o.cfg.TotalVRAMGB-o.cfg.ReserveVRAMGB, o.models.LoadedModels())
		if len(batch) == 0 {
			if o.idle() {
				// Nothing running and nothing ready: the graph is stalled
				// (e.g. every remaining task is WAITING on a delegation
				// that itself never resolves) — surface that rather than
				// spin forever.
				if root.Status() == task.StateWaiting {
					return nil, fmt.Errorf("orchestrator: root task stalled in WAITING with no runnable subtasks")
				}
				return root.Result(), nil
			}
			o.waitForAnyCompletion(ctx)
			continue
		}

		o.bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeParallelBatchStart, Payload: map[string]string{
			"size": fmt.Sprintf("%d", len(batch)),
		}})
		for _, t := range batch {
			o.dispatch(ctx, t)
		}
		o.bus.Publish(ctx, eventbus.Event{Type: eventbus.TypeParallelBatchEnd})
	}
}

func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running) == 0
}

// waitForAnyCompletion blocks until every in-flight dispatch has finished
// (o.wg reaches zero) or ctx is cancelled, so Run's pump doesn't busy-spin
// while batches are empty. It does not return when only one of several
// in-flight dispatches finishes.
func (o *Orchestrator) waitForAnyCompletion(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// dispatch runs t's agent loop in its own goroutine and reconciles the
// result back into the task graph and, for a WAITING outcome, leaves the
// task for the delegation manager's resume callback to re-admit.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task) {
	def, ok := o.agents.Get(t.AssignedAgent())
	if !ok {
		o.scheduler.MarkFailed(t.ID(), fmt.Errorf("orchestrator: agent %q no longer registered", t.AssignedAgent()))
		return
	}

	scoped, err := o.tools.Subset(def.Tools)
	if err != nil {
		o.scheduler.MarkFailed(t.ID(), err)
		return
	}

	loop := &agentloop.Loop{
		Def:              def,
		Sessions:         o.sessions,
		Tools:            scoped,
		Models:           o.models,
		Backend:          o.backend,
		Memory:           o.memory,
		Bus:              o.bus,
		Hooks:            o.hooks,
		Obs:              o.obs,
		ProjectID:        o.projectID,
		WorkDir:          o.workDir,
		MaxContextTokens: o.cfg.MaxContextTokens,
		Streaming:        o.cfg.Streaming,
		Retry:            o.cfg.Retry,
	}

	o.scheduler.MarkRunning(t.ID())
	o.mu.Lock()
	o.running[t.ID()] = struct{}{}
	o.mu.Unlock()
	o.wg.Add(1)

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, t.ID())
			o.mu.Unlock()
			o.wg.Done()
		}()

		result := loop.Run(ctx, t)
		switch {
		case result.Success == nil:
			// Delegation-waiting: the task's own status transition
			// already happened inside the loop.
		case *result.Success:
			o.scheduler.MarkCompleted(t.ID(), task.Result{Success: true, Output: result.FinalOutput})
			o.onTaskFinished(ctx, t, nil)
		default:
			o.scheduler.MarkFailed(t.ID(), fmt.Errorf("%s", result.FinalOutput))
			o.onTaskFinished(ctx, t, fmt.Errorf("%s", result.FinalOutput))
		}
	}()
}

// onTaskFinished notifies the parent task's waiting agent, if any, so
// delegation can fold the child's outcome back into the parent's session
// and re-admit it to the scheduler (spec §4.5).
func (o *Orchestrator) onTaskFinished(ctx context.Context, child *task.Task, childErr error) {
	parentID := child.ParentID()
	if parentID == "" || o.delegation == nil {
		return
	}
	parent, ok := o.tasks.Get(parentID)
	if !ok {
		return
	}

	var err error
	if childErr != nil {
		err = o.delegation.OnChildFailed(ctx, parent, child, childErr)
	} else {
		err = o.delegation.OnChildCompleted(ctx, parent, child)
	}
	if err != nil {
		slog.Error("orchestrator: folding child result into parent failed", "parent_id", parentID, "child_id", child.ID(), "error", err)
	}
}

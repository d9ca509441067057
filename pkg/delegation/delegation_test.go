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

package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/scheduler"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/task"
)

type fakeBackend struct{}

func (fakeBackend) Name() string { return "fake" }
func (fakeBackend) Chat(context.Context, string, []model.Message, []model.ToolSpec) (model.ChatResponse, error) {
	return model.ChatResponse{}, nil
}
func (fakeBackend) ChatStream(context.Context, string, []model.Message, []model.ToolSpec, model.OnToken) (model.ChatResponse, error) {
	return model.ChatResponse{}, nil
}
func (fakeBackend) Load(context.Context, string) error           { return nil }
func (fakeBackend) Unload(context.Context, string) error         { return nil }
func (fakeBackend) ListModels(context.Context) ([]string, error) { return nil, nil }

func newTestManager(t *testing.T, maxDepth int) (*Manager, *task.Map, *scheduler.Scheduler, *session.Service) {
	t.Helper()

	agents := agentdef.NewRegistry()
	require.NoError(t, agents.Load([]*agentdef.AgentDefinition{
		{Name: "planner", Model: "m1", VRAMGB: 4, DelegateTo: []string{"coder"}},
		{Name: "coder", Model: "m2", VRAMGB: 6},
	}))

	tasks := task.NewMap()
	sched := scheduler.New(tasks)
	models := modelmanager.New(fakeBackend{}, 24, 0)

	st, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sessions := session.New(st)

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	mgr := New(agents, tasks, sched, models, sessions, bus, maxDepth)
	return mgr, tasks, sched, sessions
}

func TestDelegate_CreatesChildAndQueuesIt(t *testing.T) {
	mgr, tasks, sched, _ := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan the feature", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)

	child, err := mgr.Delegate(ctx, parent, "coder", "implement the feature")
	require.NoError(t, err)

	assert.Equal(t, "coder", child.AssignedAgent())
	assert.Equal(t, parent.ID(), child.ParentID())
	assert.Contains(t, parent.SubtaskIDs(), child.ID())
	assert.Equal(t, task.StateWaiting, parent.Status())
	assert.Equal(t, 1, sched.PendingCount())
}

func TestDelegate_DisallowedTargetIsAgentError(t *testing.T) {
	mgr, tasks, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)

	_, err := mgr.Delegate(ctx, parent, "reviewer", "review it")
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Agent, e.Category)
}

func TestDelegate_MaxDepthExceeded(t *testing.T) {
	mgr, tasks, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	root := task.New("root", "planner", 1, 4, "m1", 10)
	tasks.Add(root)

	_, err := mgr.Delegate(ctx, root, "coder", "child work")
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Agent, e.Category)
}

func TestDelegate_DefaultMaxDepthAppliedWhenNonPositive(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, -1)
	assert.Equal(t, DefaultMaxDepth, mgr.maxDepth)
}

func TestOnChildCompleted_AppendsTurnAndReadmitsParent(t *testing.T) {
	mgr, tasks, sched, sessions := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)
	sess, err := sessions.Create(ctx, "", "plan", "m1")
	require.NoError(t, err)
	parent.SetSessionID(sess.ID)

	child, err := mgr.Delegate(ctx, parent, "coder", "implement")
	require.NoError(t, err)
	child.SetResult(&task.Result{Success: true, Output: "it works"})

	require.NoError(t, mgr.OnChildCompleted(ctx, parent, child))

	assert.Equal(t, task.StatePending, parent.Status())
	assert.Equal(t, 2, sched.PendingCount()) // child from Delegate + re-admitted parent

	turns, err := sessions.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Content, "it works")
	assert.Equal(t, session.RoleTool, turns[0].Role)
}

func TestOnChildFailed_UsesErrorMessage(t *testing.T) {
	mgr, tasks, _, sessions := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)
	sess, err := sessions.Create(ctx, "", "plan", "m1")
	require.NoError(t, err)
	parent.SetSessionID(sess.ID)

	child, err := mgr.Delegate(ctx, parent, "coder", "implement")
	require.NoError(t, err)

	require.NoError(t, mgr.OnChildFailed(ctx, parent, child, assert.AnError))

	turns, err := sessions.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Content, assert.AnError.Error())
}

func TestOnChildFailed_FallsBackToResultErrorWhenNoErrGiven(t *testing.T) {
	mgr, tasks, _, sessions := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)
	sess, err := sessions.Create(ctx, "", "plan", "m1")
	require.NoError(t, err)
	parent.SetSessionID(sess.ID)

	child, err := mgr.Delegate(ctx, parent, "coder", "implement")
	require.NoError(t, err)
	child.SetResult(&task.Result{Success: false, Error: "compile failed"})

	require.NoError(t, mgr.OnChildFailed(ctx, parent, child, nil))

	turns, err := sessions.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Content, "compile failed")
}

func TestResumeParent_SkipsSessionAppendWhenParentHasNoSession(t *testing.T) {
	mgr, tasks, sched, _ := newTestManager(t, 0)
	ctx := context.Background()

	parent := task.New("plan", "planner", 1, 4, "m1", 10)
	tasks.Add(parent)

	child, err := mgr.Delegate(ctx, parent, "coder", "implement")
	require.NoError(t, err)
	child.SetResult(&task.Result{Success: true, Output: "done"})

	require.NoError(t, mgr.OnChildCompleted(ctx, parent, child))
	assert.Equal(t, task.StatePending, parent.Status())
	assert.Equal(t, 2, sched.PendingCount())
}

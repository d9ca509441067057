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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/task"
)

func newTask(t *testing.T, desc string, priority int, vram float64, model string) *task.Task {
	t.Helper()
	return task.New(desc, "coder", priority, vram, model, 10)
}

func TestAdd_PendingCount(t *testing.T) {
	s := New(task.NewMap())
	assert.Equal(t, 0, s.PendingCount())

	s.Add(newTask(t, "a", 1, 1, "m"))
	s.Add(newTask(t, "b", 1, 1, "m"))
	assert.Equal(t, 2, s.PendingCount())
}

func TestGetReadyBatch_OrdersByPriorityThenFIFO(t *testing.T) {
	s := New(task.NewMap())

	low := newTask(t, "low-priority-but-first", 5, 1, "m")
	s.Add(low)
	time.Sleep(time.Millisecond)
	high := newTask(t, "high-priority", 1, 1, "m")
	s.Add(high)

	batch := s.GetReadyBatch(100, nil)
	require.Len(t, batch, 2)
	assert.Equal(t, high.ID(), batch[0].ID())
	assert.Equal(t, low.ID(), batch[1].ID())
}

func TestGetReadyBatch_FIFOWithinSamePriority(t *testing.T) {
	s := New(task.NewMap())

	first := newTask(t, "first", 1, 1, "m")
	s.Add(first)
	time.Sleep(time.Millisecond)
	second := newTask(t, "second", 1, 1, "m")
	s.Add(second)

	batch := s.GetReadyBatch(100, nil)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID(), batch[0].ID())
	assert.Equal(t, second.ID(), batch[1].ID())
}

func TestGetReadyBatch_RespectsVRAMBudget(t *testing.T) {
	s := New(task.NewMap())

	s.Add(newTask(t, "a", 1, 6, "m1"))
	s.Add(newTask(t, "b", 2, 6, "m2"))

	batch := s.GetReadyBatch(10, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, "a", batch[0].Description())
	assert.Equal(t, 1, s.PendingCount())
}

func TestGetReadyBatch_AlreadyLoadedModelIsFreeToAdmit(t *testing.T) {
	s := New(task.NewMap())

	s.Add(newTask(t, "a", 1, 6, "m1"))
	s.Add(newTask(t, "b", 2, 6, "m1"))

	batch := s.GetReadyBatch(6, map[string]struct{}{"m1": {}})
	require.Len(t, batch, 2)
}

func TestGetReadyBatch_NotReadyWhenDependencyIncomplete(t *testing.T) {
	tasks := task.NewMap()
	s := New(tasks)

	dep := newTask(t, "dep", 1, 1, "m")
	tasks.Add(dep)

	child := newTask(t, "child", 1, 1, "m")
	child.AddDependency(dep.ID())
	s.Add(child)

	assert.Empty(t, s.GetReadyBatch(100, nil))
	assert.Equal(t, 1, s.PendingCount())

	dep.SetStatus(task.StateComplete)
	batch := s.GetReadyBatch(100, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, child.ID(), batch[0].ID())
}

func TestGetReadyBatch_CancelledTaskIsNeverBatchedAndDropped(t *testing.T) {
	s := New(task.NewMap())

	victim := newTask(t, "cancelled", 1, 1, "m")
	victim.RequestCancel()
	s.Add(victim)

	assert.Empty(t, s.GetReadyBatch(100, nil))
	assert.Equal(t, 0, s.PendingCount())
}

func TestGetReadyBatch_ParentNeverBatchedWithDirectSubtask(t *testing.T) {
	tasks := task.NewMap()
	s := New(tasks)

	parent := newTask(t, "parent", 1, 1, "m")
	tasks.Add(parent)

	child := newTask(t, "child", 2, 1, "m")
	child.SetParentID(parent.ID())
	parent.AddSubtask(child.ID())

	s.Add(parent)
	s.Add(child)

	batch := s.GetReadyBatch(100, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, parent.ID(), batch[0].ID())
	assert.Equal(t, 1, s.PendingCount())

	batch = s.GetReadyBatch(100, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, child.ID(), batch[0].ID())
}

func TestMarkRunning_MarkCompleted_MarkFailed(t *testing.T) {
	tasks := task.NewMap()
	s := New(tasks)

	a := newTask(t, "a", 1, 1, "m")
	b := newTask(t, "b", 1, 1, "m")
	tasks.Add(a)
	tasks.Add(b)

	s.MarkRunning(a.ID())
	assert.Equal(t, task.StateRunning, a.Status())

	s.MarkCompleted(a.ID(), task.Result{Success: true, Output: "done"})
	assert.Equal(t, task.StateComplete, a.Status())
	assert.True(t, a.Result().Success)

	s.MarkFailed(b.ID(), assert.AnError)
	assert.Equal(t, task.StateFailed, b.Status())
	assert.Equal(t, assert.AnError.Error(), b.Result().Error)
}

func TestMarkFailed_CancellationAlwaysWins(t *testing.T) {
	tasks := task.NewMap()
	s := New(tasks)

	a := newTask(t, "a", 1, 1, "m")
	tasks.Add(a)
	a.SetStatus(task.StateCancelled)

	s.MarkFailed(a.ID(), assert.AnError)
	assert.Equal(t, task.StateCancelled, a.Status())
}

func TestCancelSubtree_PropagatesToDescendants(t *testing.T) {
	tasks := task.NewMap()
	s := New(tasks)

	root := newTask(t, "root", 1, 1, "m")
	child := newTask(t, "child", 1, 1, "m")
	root.AddSubtask(child.ID())
	tasks.Add(root)
	tasks.Add(child)

	s.CancelSubtree(root.ID())

	assert.True(t, root.CancelRequested())
	assert.True(t, child.CancelRequested())
}

func TestMarkAndCancel_UnknownIDsAreNoops(t *testing.T) {
	s := New(task.NewMap())
	assert.NotPanics(t, func() {
		s.MarkRunning("ghost")
		s.MarkCompleted("ghost", task.Result{})
		s.MarkFailed("ghost", nil)
		s.CancelSubtree("ghost")
	})
}

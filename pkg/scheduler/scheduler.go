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

// Package scheduler selects ready tasks into VRAM-budgeted batches for
// parallel execution (spec §4.3).
package scheduler

import (
	"container/heap"
	"sync"

	"github.com/Iormungand21/sindri/pkg/task"
)

// Scheduler tracks pending tasks in priority order and hands out batches
// that respect a caller-supplied VRAM budget.
type Scheduler struct {
	mu      sync.Mutex
	tasks   *task.Map
	pending *priorityQueue
}

// New creates a Scheduler backed by tasks, the task graph's single owner.
func New(tasks *task.Map) *Scheduler {
	pq := &priorityQueue{}
	heap.Init(pq)
	return &Scheduler{tasks: tasks, pending: pq}
}

// Add registers t with the task map and queues it for scheduling.
func (s *Scheduler) Add(t *task.Task) {
	s.tasks.Add(t)
	s.mu.Lock()
	heap.Push(s.pending, t)
	s.mu.Unlock()
}

// PendingCount returns the number of tasks still queued.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// isReady reports whether every task t depends on is COMPLETE, t itself is
// still PENDING, and t has not been cancelled (spec §4.3 "ready predicate").
func (s *Scheduler) isReady(t *task.Task) bool {
	if t.Status() != task.StatePending || t.CancelRequested() {
		return false
	}
	for _, depID := range t.DependsOn() {
		dep, ok := s.tasks.Get(depID)
		if !ok || dep.Status() != task.StateComplete {
			return false
		}
	}
	return true
}

// GetReadyBatch pops ready tasks in priority order into a batch that fits
// maxVRAM, given loadedModels already resident (admitting those at zero
// marginal cost). A parent is never batched alongside its direct subtask
// (spec §4.3).
func (s *Scheduler) GetReadyBatch(maxVRAM float64, loadedModels map[string]struct{}) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loadedModels == nil {
		loadedModels = map[string]struct{}{}
	}
	budget := maxVRAM

	var batch []*task.Task
	var deferred []*task.Task
	batchedIDs := map[string]struct{}{}
	batchedParents := map[string]struct{}{}

	for s.pending.Len() > 0 {
		t := heap.Pop(s.pending).(*task.Task)

		if !s.isReady(t) {
			// Not ready. A task still PENDING and not cancelled (blocked on
			// a dependency) is deferred and re-queued below; anything else
			// (completed elsewhere, failed, cancelled) is dropped from the
			// pending queue, its status already updated by Mark*.
			if t.Status() == task.StatePending && !t.CancelRequested() {
				deferred = append(deferred, t)
			}
			continue
		}

		// A parent and its direct subtask must never share a batch: reject t
		// if its parent is already batched, or if t is itself the parent of
		// a task already batched.
		if _, parentAlreadyBatched := batchedIDs[t.ParentID()]; t.ParentID() != "" && parentAlreadyBatched {
			deferred = append(deferred, t)
			continue
		}
		if _, isParentOfBatched := batchedParents[t.ID()]; isParentOfBatched {
			deferred = append(deferred, t)
			continue
		}

		_, alreadyLoaded := loadedModels[t.ModelName()]
		if alreadyLoaded || budget >= t.VRAMRequired() {
			if !alreadyLoaded {
				budget -= t.VRAMRequired()
				loadedModels[t.ModelName()] = struct{}{}
			}
			batch = append(batch, t)
			batchedIDs[t.ID()] = struct{}{}
			if t.ParentID() != "" {
				batchedParents[t.ParentID()] = struct{}{}
			}
			continue
		}

		deferred = append(deferred, t)
	}

	for _, t := range deferred {
		heap.Push(s.pending, t)
	}

	return batch
}

// MarkRunning transitions a task to RUNNING.
func (s *Scheduler) MarkRunning(id string) {
	if t, ok := s.tasks.Get(id); ok {
		t.SetStatus(task.StateRunning)
	}
}

// MarkCompleted records a task's successful result.
func (s *Scheduler) MarkCompleted(id string, result task.Result) {
	if t, ok := s.tasks.Get(id); ok {
		t.SetResult(&result)
		t.SetStatus(task.StateComplete)
	}
}

// MarkFailed records a task's failure. Cancellation always wins: Task.SetStatus
// refuses to overwrite CANCELLED with FAILED (spec §5, §7).
func (s *Scheduler) MarkFailed(id string, taskErr error) {
	if t, ok := s.tasks.Get(id); ok {
		msg := ""
		if taskErr != nil {
			msg = taskErr.Error()
		}
		t.SetResult(&task.Result{Success: false, Error: msg})
		t.SetStatus(task.StateFailed)
	}
}

// CancelSubtree cancels id and every descendant reachable through subtask_ids.
func (s *Scheduler) CancelSubtree(id string) {
	s.tasks.CancelSubtree(id)
}

// priorityQueue is a min-heap ordered by (priority, created_at), giving FIFO
// order within a priority tier (spec §4.3).
type priorityQueue []*task.Task

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority() != q[j].Priority() {
		return q[i].Priority() < q[j].Priority()
	}
	return q[i].CreatedAt().Before(q[j].CreatedAt())
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(*task.Task)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

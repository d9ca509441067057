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

package task

import "sync"

// Map is the task graph's single owner (spec §3 "Ownership"). The scheduler
// holds one Map; the delegation manager resolves parent/child ids against it
// rather than holding Task pointers of its own.
type Map struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMap creates an empty task map.
func NewMap() *Map {
	return &Map{tasks: make(map[string]*Task)}
}

// Add registers a task.
func (m *Map) Add(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID()] = t
}

// Get retrieves a task by id.
func (m *Map) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Snapshot returns every task currently registered.
func (m *Map) Snapshot() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Depth returns the number of ancestors above t (0 for a root task), walking
// parent_id pointers through the map. Used by the delegation manager to
// enforce max_delegation_depth (spec §4.5).
func (m *Map) Depth(t *Task) int {
	depth := 0
	cur := t
	seen := map[string]struct{}{cur.ID(): {}}
	for {
		parentID := cur.ParentID()
		if parentID == "" {
			return depth
		}
		parent, ok := m.Get(parentID)
		if !ok {
			return depth
		}
		if _, loop := seen[parent.ID()]; loop {
			// Cycle in the stored graph — should never happen if Delegate's
			// guard is honored, but don't spin forever if it does.
			return depth
		}
		seen[parent.ID()] = struct{}{}
		cur = parent
		depth++
	}
}

// CancelSubtree sets cancel_requested on id and recursively on every
// descendant reachable via subtask_ids (spec §4.3 CancelSubtree).
func (m *Map) CancelSubtree(id string) {
	t, ok := m.Get(id)
	if !ok {
		return
	}
	t.RequestCancel()
	for _, childID := range t.SubtaskIDs() {
		m.CancelSubtree(childID)
	}
}

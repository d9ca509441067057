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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/task"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfig_SetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()

	assert.False(t, c.IsEnabled())
	assert.Equal(t, StrategyEvent, c.Strategy)
	assert.Equal(t, 3600, c.MaxAgeSeconds)
}

func TestConfig_Validate(t *testing.T) {
	c := &Config{Strategy: "bogus"}
	assert.Error(t, c.Validate())

	c = &Config{Strategy: StrategyInterval, Interval: -1}
	assert.Error(t, c.Validate())

	c = &Config{Strategy: StrategyHybrid, Interval: 5, MaxAgeSeconds: 10}
	assert.NoError(t, c.Validate())
}

func TestConfig_ShouldCheckpointAtIteration(t *testing.T) {
	enabled := true
	c := &Config{Enabled: &enabled, Strategy: StrategyInterval, Interval: 5}

	assert.False(t, c.ShouldCheckpointAtIteration(0))
	assert.False(t, c.ShouldCheckpointAtIteration(3))
	assert.True(t, c.ShouldCheckpointAtIteration(5))
	assert.True(t, c.ShouldCheckpointAtIteration(10))
}

func TestConfig_ShouldCheckpointAtIteration_EventStrategyNever(t *testing.T) {
	enabled := true
	c := &Config{Enabled: &enabled, Strategy: StrategyEvent, Interval: 5}
	assert.False(t, c.ShouldCheckpointAtIteration(5))
}

func TestConfig_MaxAge(t *testing.T) {
	c := &Config{MaxAgeSeconds: 120}
	assert.Equal(t, 2*time.Minute, c.MaxAge())

	c = &Config{MaxAgeSeconds: 0}
	assert.Equal(t, time.Hour, c.MaxAge())
}

func TestState_RecordAndFromRecord(t *testing.T) {
	s := &State{TaskID: "t1", SessionID: "s1", Iteration: 3, Status: task.StateRunning, ErrorContext: "oops"}
	rec := s.Record()
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "RUNNING", rec.Status)

	back := FromRecord(rec)
	assert.Equal(t, task.StateRunning, back.Status)
	assert.True(t, back.IsRecoverable())
}

func TestState_IsRecoverable_FalseForTerminal(t *testing.T) {
	s := &State{Status: task.StateComplete}
	assert.False(t, s.IsRecoverable())
}

func TestState_IsExpired(t *testing.T) {
	s := &State{UpdatedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, s.IsExpired(time.Hour))
	assert.False(t, s.IsExpired(0))
}

func TestManager_SaveLoadClear(t *testing.T) {
	st := openTestStore(t)
	enabled := true
	m := NewManager(&Config{Enabled: &enabled}, st)
	ctx := context.Background()

	state := &State{TaskID: "t1", SessionID: "s1", Iteration: 1, Status: task.StateRunning}
	require.NoError(t, m.SaveCheckpoint(ctx, state))

	got, err := m.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Iteration)

	require.NoError(t, m.ClearCheckpoint(ctx, "t1"))
	_, err = m.LoadCheckpoint(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

func TestManager_SaveCheckpoint_NoopWhenDisabled(t *testing.T) {
	st := openTestStore(t)
	m := NewManager(&Config{}, st)
	ctx := context.Background()

	require.NoError(t, m.SaveCheckpoint(ctx, &State{TaskID: "t1"}))

	_, err := m.LoadCheckpoint(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

func TestManager_RecoverOnStartup_InvokesCallbackForFreshCheckpoint(t *testing.T) {
	st := openTestStore(t)
	enabled := true
	m := NewManager(&Config{Enabled: &enabled, AutoResume: &enabled, MaxAgeSeconds: 3600}, st)
	ctx := context.Background()

	require.NoError(t, m.SaveCheckpoint(ctx, &State{TaskID: "t1", SessionID: "s1", Status: task.StateRunning}))

	var resumed []string
	m.SetResumeCallback(func(_ context.Context, state *State) error {
		resumed = append(resumed, state.TaskID)
		return nil
	})

	require.NoError(t, m.RecoverOnStartup(ctx))
	assert.Equal(t, []string{"t1"}, resumed)
}

func TestManager_RecoverOnStartup_ClearsExpiredCheckpoints(t *testing.T) {
	st := openTestStore(t)
	enabled := true
	m := NewManager(&Config{Enabled: &enabled, AutoResume: &enabled, MaxAgeSeconds: 1}, st)
	ctx := context.Background()

	require.NoError(t, st.SaveCheckpoint(ctx, store.Checkpoint{TaskID: "stale", SessionID: "s1", Status: "RUNNING"}))
	// Backdate the row so it reads as expired under a 1-second max age.
	_, err := st.DB().ExecContext(ctx, `UPDATE checkpoints SET updated_at = ? WHERE task_id = ?`,
		time.Now().Add(-time.Hour), "stale")
	require.NoError(t, err)

	called := false
	m.SetResumeCallback(func(_ context.Context, _ *State) error {
		called = true
		return nil
	})

	require.NoError(t, m.RecoverOnStartup(ctx))
	assert.False(t, called)

	_, err = m.LoadCheckpoint(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

func TestManager_RecoverOnStartup_NoopWhenAutoResumeDisabled(t *testing.T) {
	st := openTestStore(t)
	m := NewManager(&Config{}, st)
	assert.NoError(t, m.RecoverOnStartup(context.Background()))
}

func TestHooks_NilManagerIsSafe(t *testing.T) {
	var h *Hooks
	ctx := context.Background()
	state := &State{TaskID: "t1"}

	assert.NotPanics(t, func() {
		h.BeforeLLMCall(ctx, state)
		h.AfterLLMCall(ctx, state)
		h.BeforeToolExecution(ctx, state, "search")
		h.AfterToolExecution(ctx, state, "search")
		h.OnIterationEnd(ctx, state, 1)
		h.OnError(ctx, state, assert.AnError)
		h.OnComplete(ctx, "t1")
	})
}

func TestHooks_AfterLLMCallSavesWhenEnabled(t *testing.T) {
	st := openTestStore(t)
	enabled := true
	m := NewManager(&Config{Enabled: &enabled}, st)
	h := NewHooks(m)
	ctx := context.Background()

	h.AfterLLMCall(ctx, &State{TaskID: "t1", SessionID: "s1", Status: task.StateRunning})

	got, err := m.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
}

func TestHooks_OnCompleteClearsCheckpoint(t *testing.T) {
	st := openTestStore(t)
	enabled := true
	m := NewManager(&Config{Enabled: &enabled}, st)
	h := NewHooks(m)
	ctx := context.Background()

	require.NoError(t, m.SaveCheckpoint(ctx, &State{TaskID: "t1", SessionID: "s1", Status: task.StateRunning}))
	h.OnComplete(ctx, "t1")

	_, err := m.LoadCheckpoint(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

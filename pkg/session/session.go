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

// Package session implements the ordered, append-only conversation log
// (spec §3 "Session") backed by the sessions/turns tables of pkg/store.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iormungand21/sindri/pkg/store"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the serializable shape of a tool invocation recorded on a turn.
// Turns never carry backend-native opaque handles (spec §3 invariant).
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Turn is one entry in a session (spec §3).
type Turn struct {
	SessionID string     `json:"session_id"`
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Status mirrors the task status driving this session, kept for display/debugging.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Session is the ordered conversation log for one task.
type Session struct {
	ID              string
	TaskDescription string
	Model           string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IterationCount  int
}

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session: not found")

// Service manages session lifecycle and turn persistence. Turn appends
// within a session are serialized per session_id (spec §5 shared resources).
type Service struct {
	st *store.Store

	mu      sync.Mutex
	seqLock map[string]*sync.Mutex
}

// New creates a session.Service over an open store.
func New(st *store.Store) *Service {
	return &Service{st: st, seqLock: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.seqLock[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.seqLock[sessionID] = l
	}
	return l
}

// Create starts a new session with an optional seeded id (empty generates a uuid).
func (s *Service) Create(ctx context.Context, id, taskDescription, model string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	sess := &Session{
		ID:              id,
		TaskDescription: taskDescription,
		Model:           model,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO sessions (id, task_description, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskDescription, sess.Model, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT id, task_description, model, status, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.TaskDescription, &sess.Model, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var iterations int
	_ = s.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ? AND role = ?`, id, RoleAssistant).
		Scan(&iterations)
	sess.IterationCount = iterations

	return &sess, nil
}

// SetStatus updates the session's status.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.st.DB().ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	return err
}

// AppendTurn appends one turn, assigning the next sequence number for the
// session. Turn order is insertion order; turns are never rewritten after
// insertion (spec §3 invariant, §8 invariant 2). Append is serialized per
// session_id via a per-session lock so seq allocation never races.
func (s *Service) AppendTurn(ctx context.Context, sessionID string, role Role, content string, toolCalls []ToolCall) (*Turn, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var maxSeq sql.NullInt64
	if err := s.st.DB().QueryRowContext(ctx, `SELECT MAX(seq) FROM turns WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("session: read max seq: %w", err)
	}
	nextSeq := int64(0)
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	var toolCallsJSON sql.NullString
	if len(toolCalls) > 0 {
		raw, err := json.Marshal(toolCalls)
		if err != nil {
			return nil, fmt.Errorf("session: marshal tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	turn := &Turn{
		SessionID: sessionID,
		Seq:       nextSeq,
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
	}

	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, tool_calls_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Seq, turn.Role, turn.Content, toolCallsJSON, turn.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("session: append turn: %w", err)
	}

	_, _ = s.st.DB().ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, turn.Timestamp, sessionID)

	return turn, nil
}

// Turns returns every turn for a session in seq order.
func (s *Service) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT session_id, seq, role, content, tool_calls_json, timestamp
		FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var toolCallsJSON sql.NullString
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.Role, &t.Content, &toolCallsJSON, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("session: scan turn: %w", err)
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("session: unmarshal tool calls: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/archetype/internal/domain"
)

// CreateEvent creates a new event.
func (s *SQLStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, string(event.Type), payload)
	return err
}

// GetEvents retrieves events for a run.
func (s *SQLStore) GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, event_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateMessage appends a message to a session's conversation log.
func (s *SQLStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.MessageID == "" {
		// Sortable ids keep insertion order among equal timestamps.
		message.MessageID = fmt.Sprintf("msg_%019d_%s", message.CreatedAt.UnixNano(), uuid.New().String()[:8])
	}
	var toolCalls, toolResults sql.NullString
	if len(message.ToolCalls) > 0 {
		data, err := json.Marshal(message.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	if len(message.ToolResults) > 0 {
		data, err := json.Marshal(message.ToolResults)
		if err != nil {
			return fmt.Errorf("encode tool results: %w", err)
		}
		toolResults = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, tool_calls, tool_results, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.SessionID, nullString(message.RunID), message.Role, message.Content,
		toolCalls, toolResults, message.CreatedAt)
	return err
}

// GetMessages returns the most recent limit messages of a session, oldest
// first. A non-positive limit returns the whole log.
func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, run_id, role, content, tool_calls, tool_results, created_at FROM messages WHERE session_id = ? ORDER BY created_at DESC, message_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID, toolCalls, toolResults sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &toolCalls, &toolResults, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.RunID = runID.String
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", msg.MessageID, err)
			}
		}
		if toolResults.Valid {
			if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results of %s: %w", msg.MessageID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SaveWorkflowState stores the latest workflow snapshot of a run.
func (s *SQLStore) SaveWorkflowState(ctx context.Context, runID string, state json.RawMessage) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO workflow_states (run_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		runID, string(state), time.Now().UTC())
	return err
}

// GetWorkflowState returns the stored snapshot, or nil when none exists.
func (s *SQLStore) GetWorkflowState(ctx context.Context, runID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM workflow_states WHERE run_id = ?`), runID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(state), nil
}

// SaveKnowledge stores a knowledge note.
func (s *SQLStore) SaveKnowledge(ctx context.Context, entry *domain.KnowledgeEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = "kn_" + uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO knowledge (entry_id, user_id, project_id, note_key, content, tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.UserID, entry.ProjectID, entry.Key, entry.Content, string(tags), entry.CreatedAt)
	return err
}

// RecallKnowledge returns the newest notes in scope whose key, content or
// tags contain query. An empty query matches everything.
func (s *SQLStore) RecallKnowledge(ctx context.Context, userID, projectID, query string, limit int) ([]*domain.KnowledgeEntry, error) {
	q := `SELECT entry_id, user_id, project_id, note_key, content, tags, created_at FROM knowledge WHERE user_id = ? AND project_id = ?`
	args := []any{userID, projectID}
	if query = strings.TrimSpace(query); query != "" {
		pattern := "%" + strings.ToLower(query) + "%"
		q += ` AND (LOWER(note_key) LIKE ? OR LOWER(content) LIKE ? OR LOWER(tags) LIKE ?)`
		args = append(args, pattern, pattern, pattern)
	}
	q += ` ORDER BY created_at DESC, entry_id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		var tags sql.NullString
		if err := rows.Scan(&e.EntryID, &e.UserID, &e.ProjectID, &e.Key, &e.Content, &tags, &e.CreatedAt); err != nil {
			return nil, err
		}
		if tags.Valid && tags.String != "" && tags.String != "null" {
			_ = json.Unmarshal([]byte(tags.String), &e.Tags)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveTaskList replaces a run's task list.
func (s *SQLStore) SaveTaskList(ctx context.Context, runID string, tasks []domain.TaskItem) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO task_lists (run_id, tasks, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET tasks = excluded.tasks, updated_at = excluded.updated_at`,
		runID, string(data), time.Now().UTC())
	return err
}

// GetTaskList returns a run's task list.
func (s *SQLStore) GetTaskList(ctx context.Context, runID string) ([]domain.TaskItem, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT tasks FROM task_lists WHERE run_id = ?`), runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tasks []domain.TaskItem
	if err := json.Unmarshal([]byte(data), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

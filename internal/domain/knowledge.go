package domain

import "time"

// KnowledgeEntry is a note the agent saved for later recall. Entries are
// scoped to a user and project.
type KnowledgeEntry struct {
	EntryID   string    `json:"entry_id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus is the state of one task list item.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// TaskItem is one entry of a run's task list.
type TaskItem struct {
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

package cradle

import "time"

// TaskStatus is the lifecycle state of a task. Completed and Failed are
// terminal: once entered, the status never changes again.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusThinking   TaskStatus = "thinking"
	StatusActing     TaskStatus = "acting"
	StatusExecuting  TaskStatus = "executing"
	StatusReflecting TaskStatus = "reflecting"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusBlocked    TaskStatus = "blocked"
)

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task sources.
const (
	SourceUser            = "user"
	SourceSelf            = "self"
	SourceSelfHealing     = "self-healing"
	SourceSelfImprovement = "self-improvement"
	SourceBootstrap       = "bootstrap"
)

// Task is a unit of work in the hierarchical task tree.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      TaskStatus
	ParentID    string
	Children    []string
	Result      string
	Error       string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	CompletedAt time.Time
	Reflection  string
	Source      string
}

// statusIcon maps a status to the chat-facing icon used in summaries.
func statusIcon(s TaskStatus) string {
	switch s {
	case StatusPending:
		return "⏳"
	case StatusThinking:
		return "🧠"
	case StatusActing:
		return "⚡"
	case StatusExecuting:
		return "🐳"
	case StatusReflecting:
		return "🔄"
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusBlocked:
		return "🔒"
	}
	return "❓"
}

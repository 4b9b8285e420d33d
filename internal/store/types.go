package store

import "time"

// TimeLayout is the canonical timestamp encoding: UTC with a fixed-width
// nine-digit fraction, so lexicographic order is chronological order.
// time.RFC3339Nano trims trailing fractional zeros and would break that
// ("…00.12Z" sorts before "…00.1Z").
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout. Every timestamp that reaches the store,
// a cursor, or a next_run comparison must come through here.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Message is one chat message, persisted for registered groups only.
// Timestamps are TimeLayout strings; lexicographic order is chronological order.
type Message struct {
	ID         string
	ChatID     string
	Channel    string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  string
	IsFromMe   bool
}

// ChatMetadata tracks the chats the orchestrator has seen on any channel.
type ChatMetadata struct {
	ChatID          string
	Name            string
	Channel         string
	LastMessageTime string
}

// MountSpec is one extra bind mount granted to a group's sandbox.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerConfig carries per-group sandbox overrides.
type ContainerConfig struct {
	Mounts    []MountSpec `json:"mounts,omitempty"`
	TimeoutMS int64       `json:"timeout_ms,omitempty"`
}

// RegisteredGroup binds a chat to a sandbox folder. The folder doubles as the
// authorization principal for IPC commands.
type RegisteredGroup struct {
	ChatID          string
	Name            string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool
	Container       *ContainerConfig
	AddedAt         string
}

// Task schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Task context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot prompt run in a group's sandbox.
type ScheduledTask struct {
	ID            string
	Folder        string
	ChatID        string
	Prompt        string
	ScheduleKind  string
	ScheduleValue string
	ContextMode   string
	NextRun       string // empty = none
	LastRun       string
	LastResult    string
	Status        string
	CreatedAt     string
}

// TaskRunLog is one append-only record of a task execution.
type TaskRunLog struct {
	TaskID     string
	RunAt      string
	DurationMS int64
	Status     string // "success" | "error"
	Result     string
	Error      string
}

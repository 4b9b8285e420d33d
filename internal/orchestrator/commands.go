package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// The methods below implement ipc.Handler. They run on the watcher goroutine
// after the command has already passed shape validation and folder
// authorization; what remains is domain validation and the effect itself.

// HandleSendMessage delivers an agent-authored message to a chat.
func (o *Orchestrator) HandleSendMessage(sourceFolder, targetChatID, text string) error {
	channel := o.chatChannel(targetChatID)
	if channel == "" {
		return fmt.Errorf("chat %q has no known channel", targetChatID)
	}
	o.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: targetChatID, Content: text})
	o.recordOutbound(targetChatID, channel, text)
	slog.Info("ipc message sent", "folder", sourceFolder, "chat_id", targetChatID)
	return nil
}

// HandleScheduleTask creates a scheduled task for a folder.
func (o *Orchestrator) HandleScheduleTask(sourceFolder string, cmd *ipc.Command) error {
	folder := cmd.TargetFolder
	if folder == "" {
		folder = sourceFolder
	}
	group := o.groupByFolder(folder)
	if group == nil {
		return fmt.Errorf("folder %q is not registered", folder)
	}

	chatID := cmd.TargetChatID
	if chatID == "" {
		chatID = group.ChatID
	}

	switch cmd.ScheduleKind {
	case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
	default:
		return fmt.Errorf("unknown schedule kind %q", cmd.ScheduleKind)
	}

	contextMode := cmd.ContextMode
	if contextMode == "" {
		contextMode = store.ContextGroup
	}
	if contextMode != store.ContextGroup && contextMode != store.ContextIsolated {
		return fmt.Errorf("unknown context mode %q", contextMode)
	}

	next, err := scheduler.InitialNextRun(cmd.ScheduleKind, cmd.ScheduleValue, time.Now().In(o.loc))
	if err != nil {
		return err
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		Folder:        folder,
		ChatID:        chatID,
		Prompt:        cmd.Prompt,
		ScheduleKind:  cmd.ScheduleKind,
		ScheduleValue: cmd.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       store.FormatTime(next),
		Status:        store.TaskActive,
		CreatedAt:     store.FormatTime(time.Now()),
	}
	if err := o.store.CreateTask(task); err != nil {
		return err
	}
	slog.Info("task scheduled", "task_id", task.ID, "folder", folder, "kind", task.ScheduleKind, "next_run", task.NextRun)
	return nil
}

// HandlePauseTask suspends a task without losing its history.
func (o *Orchestrator) HandlePauseTask(taskID string) error {
	return o.setTaskStatus(taskID, store.TaskPaused)
}

// HandleResumeTask reactivates a paused task. Recurring schedules get a fresh
// next_run so a long pause does not fire a stale due time immediately.
func (o *Orchestrator) HandleResumeTask(taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %q not found", taskID)
	}

	if task.ScheduleKind != store.ScheduleOnce {
		next, err := scheduler.NextRun(task.ScheduleKind, task.ScheduleValue, time.Now().In(o.loc))
		if err != nil {
			return err
		}
		if err := o.store.SetTaskNextRun(taskID, store.FormatTime(next)); err != nil {
			return err
		}
	}
	return o.setTaskStatus(taskID, store.TaskActive)
}

// HandleCancelTask retires a task for good. The row and its run log stay.
func (o *Orchestrator) HandleCancelTask(taskID string) error {
	return o.setTaskStatus(taskID, store.TaskCancelled)
}

func (o *Orchestrator) setTaskStatus(taskID, status string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %q not found", taskID)
	}
	if err := o.store.SetTaskStatus(taskID, status); err != nil {
		return err
	}
	slog.Info("task status changed", "task_id", taskID, "status", status)
	return nil
}

// HandleRegisterGroup binds a chat to a sandbox folder. Only the main folder
// reaches this point; authorization already rejected everyone else.
func (o *Orchestrator) HandleRegisterGroup(cmd *ipc.Command) error {
	folder := cmd.Folder
	if folder == "" {
		folder = deriveFolder(cmd.Name)
	}
	if !config.ValidFolder(folder) {
		return fmt.Errorf("invalid folder name %q", folder)
	}

	if cmd.TriggerPattern != "" {
		if _, err := TriggerRegexp(cmd.TriggerPattern, o.cfg.Loop.AssistantName); err != nil {
			return err
		}
	}

	requiresTrigger := true
	if cmd.RequiresTrigger != nil {
		requiresTrigger = *cmd.RequiresTrigger
	}

	group := store.RegisteredGroup{
		ChatID:          cmd.ChatID,
		Name:            cmd.Name,
		Folder:          folder,
		TriggerPattern:  cmd.TriggerPattern,
		RequiresTrigger: requiresTrigger,
		AddedAt:         store.FormatTime(time.Now()),
	}
	if err := o.store.RegisterGroup(group); err != nil {
		return err
	}
	slog.Info("group registered", "folder", folder, "chat_id", cmd.ChatID, "name", cmd.Name)
	return o.RefreshGroups()
}

// HandleRefreshGroups reloads the group cache after out-of-band changes.
func (o *Orchestrator) HandleRefreshGroups() error {
	return o.RefreshGroups()
}

// deriveFolder turns a chat name into a folder candidate: lowercase, spaces
// to dashes, everything else outside [a-z0-9-] dropped.
func deriveFolder(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteByte('-')
		}
	}
	return b.String()
}

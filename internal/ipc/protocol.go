// Package ipc implements the filesystem protocol between the orchestrator and
// agent sandboxes. Each registered folder owns a directory tree:
//
//	ipc/<folder>/input/     host → sandbox: follow-up prompts, close sentinel
//	ipc/<folder>/messages/  sandbox → host: outbound message requests
//	ipc/<folder>/tasks/     sandbox → host: task and group-admin commands
//	ipc/errors/             quarantine for malformed or unauthorized files
//
// Files are UTF-8 JSON named <unix-ms>-<random>.json, written via a sibling
// temp file and an atomic rename. The directory a file is read from is the
// command's identity for authorization purposes.
package ipc

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// CloseSentinel is the zero-byte file name that tells a sandbox to exit its
// IPC loop at the next poll.
const CloseSentinel = "_close"

// FileNameRe matches valid IPC payload file names.
var FileNameRe = regexp.MustCompile(`^[0-9]+-[A-Za-z0-9]+\.json$`)

// Frame types.
const (
	TypeMessage       = "message"
	TypeSendMessage   = "send_message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRefreshGroups = "refresh_groups"
	TypeRegisterGroup = "register_group"
)

// InputMessage is a host→sandbox follow-up prompt.
type InputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Command is the decoded union of every sandbox→host frame.
type Command struct {
	Type string `json:"type"`

	// send_message
	TargetChatID string `json:"target_chat_id,omitempty"`
	Text         string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleKind  string `json:"schedule_kind,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetFolder  string `json:"target_folder,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"task_id,omitempty"`

	// register_group
	ChatID          string `json:"chat_id,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	TriggerPattern  string `json:"trigger_pattern,omitempty"`
	RequiresTrigger *bool  `json:"requires_trigger,omitempty"`
}

// ParseCommand decodes a sandbox→host frame and checks its shape.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch cmd.Type {
	case TypeSendMessage:
		if cmd.TargetChatID == "" || cmd.Text == "" {
			return nil, fmt.Errorf("send_message requires target_chat_id and text")
		}
	case TypeScheduleTask:
		if cmd.Prompt == "" || cmd.ScheduleKind == "" {
			return nil, fmt.Errorf("schedule_task requires prompt and schedule_kind")
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if cmd.TaskID == "" {
			return nil, fmt.Errorf("%s requires task_id", cmd.Type)
		}
	case TypeRefreshGroups:
	case TypeRegisterGroup:
		if cmd.ChatID == "" || cmd.Name == "" {
			return nil, fmt.Errorf("register_group requires chat_id and name")
		}
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}

	return &cmd, nil
}

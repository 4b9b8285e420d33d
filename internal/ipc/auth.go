package ipc

import (
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Registry is the slice of the persistence store the watcher needs to
// authorize and resolve commands.
type Registry interface {
	GetGroupByFolder(folder string) (*store.RegisteredGroup, error)
	GetTask(id string) (*store.ScheduledTask, error)
	ListGroups() ([]store.RegisteredGroup, error)
}

// AuthError marks a command rejected by the per-folder authorization rules.
// The offending file is quarantined, never retried.
type AuthError struct {
	Folder string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized ipc command from %q: %s", e.Folder, e.Reason)
}

// Authorize enforces the folder-as-principal rules. sourceFolder is the
// directory the file was read from; it is the identity, never the payload.
//
//   - The main folder may act on any target and may register groups.
//   - Any other folder may only touch its own chat and its own tasks.
func Authorize(reg Registry, mainFolder, sourceFolder string, cmd *Command) error {
	isMain := sourceFolder == mainFolder
	if isMain {
		return nil
	}

	switch cmd.Type {
	case TypeRegisterGroup, TypeRefreshGroups:
		return &AuthError{Folder: sourceFolder, Reason: cmd.Type + " is main-folder only"}

	case TypeSendMessage:
		own, err := reg.GetGroupByFolder(sourceFolder)
		if err != nil {
			return err
		}
		if own == nil || own.ChatID != cmd.TargetChatID {
			return &AuthError{Folder: sourceFolder, Reason: fmt.Sprintf("target chat %q is not own chat", cmd.TargetChatID)}
		}

	case TypeScheduleTask:
		if cmd.TargetFolder != "" && cmd.TargetFolder != sourceFolder {
			return &AuthError{Folder: sourceFolder, Reason: fmt.Sprintf("target folder %q is not self", cmd.TargetFolder)}
		}
		if cmd.TargetChatID != "" {
			own, err := reg.GetGroupByFolder(sourceFolder)
			if err != nil {
				return err
			}
			if own == nil || own.ChatID != cmd.TargetChatID {
				return &AuthError{Folder: sourceFolder, Reason: fmt.Sprintf("target chat %q is not own chat", cmd.TargetChatID)}
			}
		}

	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		task, err := reg.GetTask(cmd.TaskID)
		if err != nil {
			return err
		}
		if task == nil || task.Folder != sourceFolder {
			return &AuthError{Folder: sourceFolder, Reason: fmt.Sprintf("task %q is not owned", cmd.TaskID)}
		}
	}

	return nil
}

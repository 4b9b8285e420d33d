package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Mount targets inside the sandbox. The agent sees its working folder and its
// IPC tree and nothing else of the host.
const (
	groupMountTarget = "/workspace/group"
	ipcMountTarget   = "/workspace/ipc"
)

// Execute implements queue.Executor: it builds one sandbox run for a folder.
//
// For message work the prompt is the chat's unconsumed window and the agent
// cursor advances tentatively before the run starts; a goroutine rolls it back
// if the run fails, so the same messages feed the retry. Task runs never touch
// the cursor.
func (o *Orchestrator) Execute(ctx context.Context, folder string, task *store.ScheduledTask, markIdle func()) (*sandbox.Process, error) {
	group := o.groupByFolder(folder)
	if group == nil {
		return nil, fmt.Errorf("folder %q is not registered", folder)
	}
	chatID := group.ChatID
	if task != nil && task.ChatID != "" {
		chatID = task.ChatID
	}
	channel := o.chatChannel(chatID)

	var prompt string
	var prevCursor, newCursor string
	if task == nil {
		cursor, err := o.store.GetAgentCursor(chatID)
		if err != nil {
			return nil, err
		}
		pending, err := o.store.ChatMessagesAfter(chatID, cursor)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, nil
		}
		prompt = FormatMessages(pending, o.cfg.Loop.MaxContextMessages)
		prevCursor = cursor
		newCursor = pending[len(pending)-1].Timestamp
		if err := o.store.SetAgentCursor(chatID, newCursor); err != nil {
			return nil, err
		}
	} else {
		prompt = task.Prompt
		if task.ContextMode == store.ContextGroup {
			recent, err := o.store.ChatMessagesAfter(chatID, "")
			if err != nil {
				return nil, err
			}
			if ctxText := FormatMessages(recent, o.cfg.Loop.MaxContextMessages); ctxText != "" {
				prompt = ctxText + "\n\n" + task.Prompt
			}
		}
	}

	rollback := func() {
		if task != nil {
			return
		}
		if err := o.store.SetAgentCursor(chatID, prevCursor); err != nil {
			slog.Error("agent cursor rollback failed", "chat_id", chatID, "error", err)
		}
	}

	spec, err := o.buildRunSpec(group, folder, chatID, prompt, task != nil)
	if err != nil {
		rollback()
		return nil, err
	}

	hooks := sandbox.Hooks{
		OnSession: func(sessionID string) {
			if err := o.store.SetSession(folder, sessionID); err != nil {
				slog.Error("persist session", "folder", folder, "error", err)
			}
		},
		OnOutput: func(text string) {
			markIdle()
			if task != nil {
				task.LastResult = text
			}
			o.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text})
			o.recordOutbound(chatID, channel, text)
		},
		OnAgentError: func(errMsg, result string) {
			slog.Warn("agent reported error", "folder", folder, "error", errMsg)
			if result != "" {
				o.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: result})
			}
		},
	}

	proc, err := o.runner.Start(ctx, spec, hooks)
	if err != nil {
		rollback()
		return nil, err
	}

	if task == nil {
		go func() {
			if proc.Wait().Failed() {
				rollback()
			}
		}()
	}
	return proc, nil
}

// buildRunSpec assembles mounts, payload and timeout for one run.
func (o *Orchestrator) buildRunSpec(group *store.RegisteredGroup, folder, chatID, prompt string, isTask bool) (sandbox.RunSpec, error) {
	if err := o.dirs.EnsureFolder(folder); err != nil {
		return sandbox.RunSpec{}, err
	}
	if err := o.dirs.ClearCloseSentinel(folder); err != nil {
		return sandbox.RunSpec{}, err
	}

	groupDir := filepath.Join(o.cfg.GroupsRoot(), folder)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return sandbox.RunSpec{}, fmt.Errorf("create group dir %s: %w", groupDir, err)
	}

	mounts := []sandbox.Mount{
		{Source: groupDir, Target: groupMountTarget},
		{Source: o.dirs.Folder(folder), Target: ipcMountTarget},
	}
	if group.Container != nil && len(group.Container.Mounts) > 0 {
		extras := make([]sandbox.Mount, 0, len(group.Container.Mounts))
		for _, m := range group.Container.Mounts {
			extras = append(extras, sandbox.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
		}
		if err := o.policy.Validate(extras); err != nil {
			return sandbox.RunSpec{}, fmt.Errorf("group %s mounts: %w", folder, err)
		}
		mounts = append(mounts, extras...)
	}

	sessionID, err := o.store.GetSession(folder)
	if err != nil {
		return sandbox.RunSpec{}, err
	}

	isMain := folder == o.cfg.Loop.MainFolder
	payload := sandbox.Payload{
		Prompt:          prompt,
		SessionID:       sessionID,
		Folder:          folder,
		ChatID:          chatID,
		IsMain:          isMain,
		IsScheduledTask: isTask,
		AssistantName:   o.cfg.Loop.AssistantName,
	}
	// Secrets ride the stdin payload and only into the privileged folder.
	if isMain {
		payload.Secrets = o.cfg.Secrets
	}

	var timeout time.Duration
	if group.Container != nil && group.Container.TimeoutMS > 0 {
		timeout = time.Duration(group.Container.TimeoutMS) * time.Millisecond
	}

	return sandbox.RunSpec{
		Folder:  folder,
		Payload: payload,
		Mounts:  mounts,
		Timeout: timeout,
	}, nil
}

// recordOutbound persists an agent-authored message so later prompt windows
// include the agent's side of the conversation.
func (o *Orchestrator) recordOutbound(chatID, channel, text string) {
	if o.groupFor(chatID) == nil {
		return
	}
	msg := store.Message{
		ID:         fmt.Sprintf("self-%d", time.Now().UnixNano()),
		ChatID:     chatID,
		Channel:    channel,
		SenderName: o.cfg.Loop.AssistantName,
		Content:    text,
		Timestamp:  store.FormatTime(time.Now()),
		IsFromMe:   true,
	}
	if err := o.store.InsertMessage(msg); err != nil {
		slog.Error("persist outbound message", "chat_id", chatID, "error", err)
	}
}

// chatChannel resolves the transport a chat lives on.
func (o *Orchestrator) chatChannel(chatID string) string {
	chat, err := o.store.GetChat(chatID)
	if err != nil || chat == nil {
		slog.Warn("chat channel unknown", "chat_id", chatID)
		return ""
	}
	return chat.Channel
}

package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler receives authorized, well-formed commands from the watcher.
// Implemented by the orchestrator.
type Handler interface {
	HandleSendMessage(sourceFolder, targetChatID, text string) error
	HandleScheduleTask(sourceFolder string, cmd *Command) error
	HandlePauseTask(taskID string) error
	HandleResumeTask(taskID string) error
	HandleCancelTask(taskID string) error
	HandleRegisterGroup(cmd *Command) error
	HandleRefreshGroups() error
}

// Watcher polls every registered folder's messages/ and tasks/ directories,
// claims pending files, and dispatches their commands. Malformed and
// unauthorized files are quarantined; the watcher never stops for them.
type Watcher struct {
	dirs       Dirs
	registry   Registry
	handler    Handler
	mainFolder string
	interval   time.Duration

	// wake is pulsed by fsnotify events so new files are picked up ahead of
	// the next tick; polling remains the correctness backstop.
	wake chan struct{}
}

// NewWatcher builds an IPC watcher over root.
func NewWatcher(root string, registry Registry, handler Handler, mainFolder string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		dirs:       Dirs{Root: root},
		registry:   registry,
		handler:    handler,
		mainFolder: mainFolder,
		interval:   interval,
		wake:       make(chan struct{}, 1),
	}
}

// Dirs exposes the watcher's directory layout (for sentinel/input writers).
func (w *Watcher) Dirs() Dirs { return w.dirs }

// Run scans until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	notifier := w.startNotifier(ctx)
	if notifier != nil {
		defer notifier.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.scanAll(notifier)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// startNotifier wires fsnotify over the existing command directories. Failure
// is tolerated: polling alone still satisfies the protocol.
func (w *Watcher) startNotifier(ctx context.Context) *fsnotify.Watcher {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, ipc falls back to pure polling", "error", err)
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-notifier.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
					select {
					case w.wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-notifier.Errors:
				if !ok {
					return
				}
				slog.Debug("fsnotify error", "error", err)
			}
		}
	}()

	return notifier
}

// scanAll walks every registered folder's outbound directories once.
func (w *Watcher) scanAll(notifier *fsnotify.Watcher) {
	groups, err := w.registry.ListGroups()
	if err != nil {
		slog.Error("ipc watcher: list groups failed", "error", err)
		return
	}

	for _, g := range groups {
		for _, dir := range []string{w.dirs.Messages(g.Folder), w.dirs.Tasks(g.Folder)} {
			if notifier != nil {
				// Re-adding a watched dir is a no-op; new folders get picked up here.
				_ = notifier.Add(dir)
			}
			w.scanDir(g.Folder, dir)
		}
	}
}

func (w *Watcher) scanDir(folder, dir string) {
	names, err := ListPending(dir)
	if err != nil {
		slog.Warn("ipc scan failed", "dir", dir, "error", err)
		return
	}

	for _, name := range names {
		claimed, err := Claim(filepath.Join(dir, name))
		if err != nil {
			// Lost the claim race or the file vanished; not an error.
			slog.Debug("ipc claim skipped", "file", name, "error", err)
			continue
		}
		w.processClaimed(folder, name, claimed)
	}
}

// processClaimed parses, authorizes and dispatches one claimed file.
// The file is deleted on success and quarantined on any failure.
func (w *Watcher) processClaimed(folder, name, claimed string) {
	data, err := os.ReadFile(claimed)
	if err != nil {
		slog.Warn("ipc read failed", "file", name, "error", err)
		w.quarantine(folder, claimed)
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		slog.Warn("malformed ipc file quarantined", "folder", folder, "file", name, "error", err)
		w.quarantine(folder, claimed)
		return
	}

	if err := Authorize(w.registry, w.mainFolder, folder, cmd); err != nil {
		slog.Warn("unauthorized ipc command quarantined", "folder", folder, "file", name, "type", cmd.Type, "error", err)
		w.quarantine(folder, claimed)
		return
	}

	if err := w.dispatch(folder, cmd); err != nil {
		slog.Warn("ipc dispatch failed", "folder", folder, "file", name, "type", cmd.Type, "error", err)
		w.quarantine(folder, claimed)
		return
	}

	if err := os.Remove(claimed); err != nil {
		slog.Warn("ipc cleanup failed", "file", name, "error", err)
	}
	slog.Debug("ipc command processed", "folder", folder, "type", cmd.Type)
}

func (w *Watcher) dispatch(folder string, cmd *Command) error {
	switch cmd.Type {
	case TypeSendMessage:
		return w.handler.HandleSendMessage(folder, cmd.TargetChatID, cmd.Text)
	case TypeScheduleTask:
		return w.handler.HandleScheduleTask(folder, cmd)
	case TypePauseTask:
		return w.handler.HandlePauseTask(cmd.TaskID)
	case TypeResumeTask:
		return w.handler.HandleResumeTask(cmd.TaskID)
	case TypeCancelTask:
		return w.handler.HandleCancelTask(cmd.TaskID)
	case TypeRegisterGroup:
		return w.handler.HandleRegisterGroup(cmd)
	case TypeRefreshGroups:
		return w.handler.HandleRefreshGroups()
	}
	return nil
}

func (w *Watcher) quarantine(folder, claimed string) {
	if err := w.dirs.Quarantine(folder, claimed); err != nil {
		slog.Error("ipc quarantine failed", "folder", folder, "error", err)
	}
}

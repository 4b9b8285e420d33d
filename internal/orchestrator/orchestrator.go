// Package orchestrator ties the pieces together: it ingests chat messages off
// the bus, decides which registered groups should respond, runs agent
// sandboxes through the group queue, and serves the filesystem IPC commands
// those sandboxes emit.
//
// Message flow uses two cursors. The ingest cursor is global and marks how far
// the poll loop has looked at the messages table. Each chat additionally has
// an agent cursor marking how far its agent has consumed. The gap between the
// two is exactly the context a newly triggered run must see, which is how
// messages that arrived while the orchestrator was down, or while a previous
// run was failing, are never lost.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Orchestrator owns the message loop and the sandbox lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	store  *store.Store
	bus    *bus.MessageBus
	runner *sandbox.Runner
	queue  *queue.GroupQueue
	policy *sandbox.MountPolicy
	dirs   ipc.Dirs
	loc    *time.Location

	fatal chan error // first unrecoverable storage failure, surfaced by Run

	mu       sync.RWMutex
	groups   map[string]*store.RegisteredGroup // chat_id → group
	byFolder map[string]*store.RegisteredGroup // folder → group
	triggers map[string]*regexp.Regexp         // chat_id → compiled trigger
}

// New builds the orchestrator and its group queue, and subscribes to the bus.
func New(cfg *config.Config, st *store.Store, b *bus.MessageBus, runner *sandbox.Runner) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		bus:      b,
		runner:   runner,
		policy:   sandbox.NewMountPolicy(cfg.Sandbox.AllowedMountPrefixes),
		dirs:     ipc.Dirs{Root: cfg.IPCRoot()},
		loc:      cfg.Location(),
		fatal:    make(chan error, 1),
		groups:   make(map[string]*store.RegisteredGroup),
		byFolder: make(map[string]*store.RegisteredGroup),
		triggers: make(map[string]*regexp.Regexp),
	}
	o.queue = queue.New(queue.Options{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		BaseRetry:     cfg.Queue.BaseRetry.Std(),
		MaxRetries:    cfg.Queue.MaxRetries,
	}, o, nil, cfg.IPCRoot())

	b.OnInbound(o.handleInbound)
	return o
}

// Queue exposes the group queue for wiring and shutdown.
func (o *Orchestrator) Queue() *queue.GroupQueue { return o.queue }

// Run recovers missed work, then polls the message table until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.RefreshGroups(); err != nil {
		return err
	}
	o.recover()

	ticker := time.NewTicker(o.cfg.Loop.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-o.fatal:
			return err
		case <-ticker.C:
			if err := o.pollOnce(); err != nil {
				return err
			}
		}
	}
}

// fail records the first unrecoverable error so Run can surface it. A store
// that cannot be read or advanced would silently drop or replay messages, so
// the process stops instead of limping on.
func (o *Orchestrator) fail(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}

// handleInbound persists channel traffic. Chat metadata is tracked for every
// chat so the main agent can discover and register groups; message bodies are
// stored only for chats already bound to a folder.
func (o *Orchestrator) handleInbound(msg bus.InboundMessage) error {
	if err := o.store.UpsertChatMetadata(store.ChatMetadata{
		ChatID:          msg.ChatID,
		Name:            msg.ChatName,
		Channel:         msg.Channel,
		LastMessageTime: msg.Timestamp,
	}); err != nil {
		err = fmt.Errorf("upsert chat metadata: %w", err)
		o.fail(err)
		return err
	}

	if o.groupFor(msg.ChatID) == nil {
		return nil
	}
	if err := o.store.InsertMessage(store.Message{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		IsFromMe:   msg.IsFromMe,
	}); err != nil {
		err = fmt.Errorf("insert message: %w", err)
		o.fail(err)
		return err
	}
	return nil
}

// pollOnce advances the ingest cursor over everything that arrived since the
// last tick and dispatches the chats where a response is warranted. Storage
// errors abort the loop; a cursor that cannot move forward means messages
// would be dropped or replayed forever.
func (o *Orchestrator) pollOnce() error {
	cursor, err := o.store.GetIngestCursor()
	if err != nil {
		return fmt.Errorf("read ingest cursor: %w", err)
	}
	msgs, err := o.store.MessagesAfter(cursor)
	if err != nil {
		return fmt.Errorf("query new messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	triggered := make(map[string]bool)
	for _, m := range msgs {
		group := o.groupFor(m.ChatID)
		if group == nil || triggered[m.ChatID] {
			continue
		}
		if o.shouldRespond(group, m) {
			triggered[m.ChatID] = true
		}
	}

	for chatID := range triggered {
		if err := o.dispatchChat(o.groupFor(chatID)); err != nil {
			return err
		}
	}

	// The cursor only moves after dispatch so a crash in between replays the
	// batch instead of dropping it.
	if err := o.store.SetIngestCursor(msgs[len(msgs)-1].Timestamp); err != nil {
		return fmt.Errorf("advance ingest cursor: %w", err)
	}
	return nil
}

// dispatchChat routes pending context to the group's sandbox. A live
// idle-waiting sandbox gets the messages piped in; otherwise the folder is
// queued for a fresh run and the executor re-queries at execution time.
func (o *Orchestrator) dispatchChat(group *store.RegisteredGroup) error {
	if group == nil {
		return nil
	}
	cursor, err := o.store.GetAgentCursor(group.ChatID)
	if err != nil {
		return fmt.Errorf("read agent cursor for %s: %w", group.ChatID, err)
	}
	pending, err := o.store.ChatMessagesAfter(group.ChatID, cursor)
	if err != nil {
		return fmt.Errorf("query pending messages for %s: %w", group.ChatID, err)
	}
	if len(pending) == 0 {
		return nil
	}

	text := FormatMessages(pending, o.cfg.Loop.MaxContextMessages)
	if o.queue.SendMessage(group.Folder, text) {
		// The messages are already inside the sandbox. If the cursor cannot
		// record that, every later run would replay them; stop the loop.
		if err := o.store.SetAgentCursor(group.ChatID, pending[len(pending)-1].Timestamp); err != nil {
			return fmt.Errorf("advance agent cursor for %s: %w", group.ChatID, err)
		}
		return nil
	}

	if err := o.queue.EnqueueMessageCheck(group.Folder); err != nil {
		slog.Warn("enqueue message check rejected", "folder", group.Folder, "error", err)
	}
	return nil
}

// shouldRespond applies the trigger gate to one message. The agent's own
// messages never trigger. The main group and groups registered without
// requires_trigger respond to everything else.
func (o *Orchestrator) shouldRespond(group *store.RegisteredGroup, m store.Message) bool {
	if m.IsFromMe {
		return false
	}
	if group.Folder == o.cfg.Loop.MainFolder {
		return true
	}
	if !group.RequiresTrigger {
		return true
	}

	o.mu.RLock()
	re := o.triggers[group.ChatID]
	o.mu.RUnlock()
	if re == nil {
		return false
	}
	return re.MatchString(m.Content)
}

// recover enqueues every group whose agent cursor lags behind a message that
// would have triggered a response. Runs once at startup.
func (o *Orchestrator) recover() {
	o.mu.RLock()
	groups := make([]*store.RegisteredGroup, 0, len(o.byFolder))
	for _, g := range o.byFolder {
		groups = append(groups, g)
	}
	o.mu.RUnlock()

	for _, g := range groups {
		cursor, err := o.store.GetAgentCursor(g.ChatID)
		if err != nil {
			slog.Error("recovery: read agent cursor", "chat_id", g.ChatID, "error", err)
			continue
		}
		pending, err := o.store.ChatMessagesAfter(g.ChatID, cursor)
		if err != nil {
			slog.Error("recovery: query pending", "chat_id", g.ChatID, "error", err)
			continue
		}
		for _, m := range pending {
			if o.shouldRespond(g, m) {
				slog.Info("recovering missed messages", "folder", g.Folder, "pending", len(pending))
				if err := o.queue.EnqueueMessageCheck(g.Folder); err != nil {
					slog.Warn("recovery enqueue rejected", "folder", g.Folder, "error", err)
				}
				break
			}
		}
	}
}

// RefreshGroups reloads the registered-group cache from the store, compiles
// trigger patterns, and makes sure each folder's IPC tree exists.
func (o *Orchestrator) RefreshGroups() error {
	groups, err := o.store.ListGroups()
	if err != nil {
		return err
	}

	byChat := make(map[string]*store.RegisteredGroup, len(groups))
	byFolder := make(map[string]*store.RegisteredGroup, len(groups))
	triggers := make(map[string]*regexp.Regexp, len(groups))

	for i := range groups {
		g := &groups[i]
		byChat[g.ChatID] = g
		byFolder[g.Folder] = g

		re, err := TriggerRegexp(g.TriggerPattern, o.cfg.Loop.AssistantName)
		if err != nil {
			slog.Warn("trigger pattern rejected, using default", "folder", g.Folder, "error", err)
			re, _ = TriggerRegexp("", o.cfg.Loop.AssistantName)
		}
		triggers[g.ChatID] = re

		if err := o.dirs.EnsureFolder(g.Folder); err != nil {
			slog.Error("ensure ipc tree", "folder", g.Folder, "error", err)
		}
	}

	o.mu.Lock()
	o.groups = byChat
	o.byFolder = byFolder
	o.triggers = triggers
	o.mu.Unlock()

	slog.Info("registered groups loaded", "count", len(groups))
	return nil
}

func (o *Orchestrator) groupFor(chatID string) *store.RegisteredGroup {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.groups[chatID]
}

func (o *Orchestrator) groupByFolder(folder string) *store.RegisteredGroup {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byFolder[folder]
}

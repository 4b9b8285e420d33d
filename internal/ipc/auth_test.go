package ipc

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type fakeRegistry struct {
	groups map[string]*store.RegisteredGroup // folder → group
	tasks  map[string]*store.ScheduledTask
}

func (r *fakeRegistry) GetGroupByFolder(folder string) (*store.RegisteredGroup, error) {
	return r.groups[folder], nil
}

func (r *fakeRegistry) GetTask(id string) (*store.ScheduledTask, error) {
	return r.tasks[id], nil
}

func (r *fakeRegistry) ListGroups() ([]store.RegisteredGroup, error) {
	var out []store.RegisteredGroup
	for _, g := range r.groups {
		out = append(out, *g)
	}
	return out, nil
}

func testRegistry() *fakeRegistry {
	return &fakeRegistry{
		groups: map[string]*store.RegisteredGroup{
			"main": {ChatID: "chat-main", Folder: "main"},
			"team": {ChatID: "chat-team", Folder: "team"},
			"ops":  {ChatID: "chat-ops", Folder: "ops"},
		},
		tasks: map[string]*store.ScheduledTask{
			"t-team": {ID: "t-team", Folder: "team"},
			"t-ops":  {ID: "t-ops", Folder: "ops"},
		},
	}
}

func TestAuthorizeMainFolderPassesEverything(t *testing.T) {
	reg := testRegistry()

	cmds := []*Command{
		{Type: TypeSendMessage, TargetChatID: "chat-ops", Text: "x"},
		{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once", TargetFolder: "ops", TargetChatID: "chat-ops"},
		{Type: TypePauseTask, TaskID: "t-ops"},
		{Type: TypeRegisterGroup, ChatID: "c", Name: "n"},
		{Type: TypeRefreshGroups},
	}

	for _, cmd := range cmds {
		if err := Authorize(reg, "main", "main", cmd); err != nil {
			t.Errorf("main folder rejected for %s: %v", cmd.Type, err)
		}
	}
}

func TestAuthorizeNonMain(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		name    string
		cmd     *Command
		wantErr bool
	}{
		{"own chat send", &Command{Type: TypeSendMessage, TargetChatID: "chat-team", Text: "x"}, false},
		{"cross chat send", &Command{Type: TypeSendMessage, TargetChatID: "chat-ops", Text: "x"}, true},
		{"schedule for self implicit", &Command{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once"}, false},
		{"schedule for self explicit", &Command{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once", TargetFolder: "team"}, false},
		{"schedule for other folder", &Command{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once", TargetFolder: "ops"}, true},
		{"schedule own chat", &Command{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once", TargetChatID: "chat-team"}, false},
		{"schedule other chat", &Command{Type: TypeScheduleTask, Prompt: "p", ScheduleKind: "once", TargetChatID: "chat-ops"}, true},
		{"pause own task", &Command{Type: TypePauseTask, TaskID: "t-team"}, false},
		{"pause foreign task", &Command{Type: TypePauseTask, TaskID: "t-ops"}, true},
		{"cancel unknown task", &Command{Type: TypeCancelTask, TaskID: "t-nope"}, true},
		{"register group", &Command{Type: TypeRegisterGroup, ChatID: "c", Name: "n"}, true},
		{"refresh groups", &Command{Type: TypeRefreshGroups}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(reg, "main", "team", tt.cmd)
			if tt.wantErr {
				if err == nil {
					t.Error("expected authorization failure")
					return
				}
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Errorf("error is not an AuthError: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestAuthorizeUnregisteredFolder(t *testing.T) {
	reg := testRegistry()
	err := Authorize(reg, "main", "ghost", &Command{Type: TypeSendMessage, TargetChatID: "chat-team", Text: "x"})
	if err == nil {
		t.Error("unregistered source folder must not send anywhere")
	}
}

package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "nanoclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening an already-migrated database must not fail.
	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}

func TestFormatTimeOrdersLexicographically(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Fixed width: .1s must not render shorter than .12s, or string
	// comparison would put it after.
	earlier := FormatTime(base.Add(100 * time.Millisecond))
	later := FormatTime(base.Add(120 * time.Millisecond))
	if len(earlier) != len(later) {
		t.Fatalf("widths differ: %q vs %q", earlier, later)
	}
	if earlier >= later {
		t.Errorf("%q does not sort before %q", earlier, later)
	}

	if got := FormatTime(base); got != "2026-01-01T00:00:00.000000000Z" {
		t.Errorf("FormatTime = %q", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, later); err != nil {
		t.Errorf("not parseable: %v", err)
	}
}

func TestMessagesAfterFractionalSecondCursor(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.InsertMessage(Message{
		ID: "a", ChatID: "c1", Channel: "discord", Content: "x",
		Timestamp: FormatTime(base.Add(120 * time.Millisecond)),
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.MessagesAfter(FormatTime(base.Add(100 * time.Millisecond)))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message at .12s hidden behind cursor at .1s")
	}

	msgs, err = s.ChatMessagesAfter("c1", FormatTime(base.Add(100*time.Millisecond)))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("chat query missed the sub-second message")
	}
}

func TestInsertMessageIgnoresRedelivery(t *testing.T) {
	s := openTestStore(t)

	m := Message{
		ID: "m1", ChatID: "c1", Channel: "telegram",
		SenderID: "u1", SenderName: "alice",
		Content: "hello", Timestamp: "2026-08-01T10:00:00Z",
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Content = "redelivered with different content"
	if err := s.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.MessagesAfter("")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("redelivery overwrote the original: %q", msgs[0].Content)
	}
}

func TestMessagesAfterIsStrictlyGreater(t *testing.T) {
	s := openTestStore(t)

	for i, ts := range []string{
		"2026-08-01T10:00:00Z",
		"2026-08-01T10:01:00Z",
		"2026-08-01T10:02:00Z",
	} {
		if err := s.InsertMessage(Message{
			ID: string(rune('a' + i)), ChatID: "c1", Channel: "telegram",
			SenderID: "u1", Content: "x", Timestamp: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.MessagesAfter("2026-08-01T10:01:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Timestamp != "2026-08-01T10:02:00Z" {
		t.Errorf("cursor boundary not strict: %+v", msgs)
	}

	all, err := s.MessagesAfter("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("empty cursor returned %d messages", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Timestamp > all[i].Timestamp {
			t.Error("messages not in ascending timestamp order")
		}
	}
}

func TestChatMessagesAfterScopesToChat(t *testing.T) {
	s := openTestStore(t)

	for _, m := range []Message{
		{ID: "a", ChatID: "c1", Channel: "telegram", Content: "one", Timestamp: "2026-08-01T10:00:00Z"},
		{ID: "b", ChatID: "c2", Channel: "discord", Content: "two", Timestamp: "2026-08-01T10:00:30Z"},
		{ID: "c", ChatID: "c1", Channel: "telegram", Content: "three", Timestamp: "2026-08-01T10:01:00Z"},
	} {
		if err := s.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ChatMessagesAfter("c1", "2026-08-01T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "c" {
		t.Errorf("got %+v", msgs)
	}

	ts, err := s.LatestChatTimestamp("c1")
	if err != nil {
		t.Fatal(err)
	}
	if ts != "2026-08-01T10:01:00Z" {
		t.Errorf("latest timestamp = %q", ts)
	}
	if ts, _ := s.LatestChatTimestamp("ghost"); ts != "" {
		t.Errorf("unknown chat timestamp = %q", ts)
	}
}

func TestCursorsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if v, err := s.GetIngestCursor(); err != nil || v != "" {
		t.Fatalf("unset ingest cursor = %q, %v", v, err)
	}
	if err := s.SetIngestCursor("2026-08-01T10:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetIngestCursor("2026-08-01T10:05:00Z"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetIngestCursor(); v != "2026-08-01T10:05:00Z" {
		t.Errorf("ingest cursor = %q", v)
	}

	// Agent cursors are independent per chat and of the ingest cursor.
	if err := s.SetAgentCursor("c1", "2026-08-01T09:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetAgentCursor("c1"); v != "2026-08-01T09:00:00Z" {
		t.Errorf("agent cursor c1 = %q", v)
	}
	if v, _ := s.GetAgentCursor("c2"); v != "" {
		t.Errorf("agent cursor c2 = %q", v)
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if v, err := s.GetSession("team"); err != nil || v != "" {
		t.Fatalf("unset session = %q, %v", v, err)
	}
	if err := s.SetSession("team", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession("team", "sess-2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSession("team"); v != "sess-2" {
		t.Errorf("session = %q", v)
	}
}

func TestUpsertChatMetadataMonotonicity(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertChatMetadata(ChatMetadata{
		ChatID: "c1", Name: "Team", Channel: "telegram", LastMessageTime: "2026-08-01T10:05:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	// An out-of-order older message must not move the clock backwards.
	if err := s.UpsertChatMetadata(ChatMetadata{
		ChatID: "c1", Name: "", Channel: "telegram", LastMessageTime: "2026-08-01T10:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("chat missing")
	}
	if c.LastMessageTime != "2026-08-01T10:05:00Z" {
		t.Errorf("last_message_time regressed to %q", c.LastMessageTime)
	}
	if c.Name != "Team" {
		t.Errorf("empty name overwrote stored name: %q", c.Name)
	}

	if c, _ := s.GetChat("ghost"); c != nil {
		t.Errorf("unknown chat = %+v", c)
	}
}

func TestRegisterGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)

	g := RegisteredGroup{
		ChatID:          "c1",
		Name:            "Team Chat",
		Folder:          "team",
		TriggerPattern:  `(?i)^!bot\b`,
		RequiresTrigger: true,
		Container: &ContainerConfig{
			Mounts:    []MountSpec{{Source: "/srv/shared/docs", Target: "/workspace/docs", ReadOnly: true}},
			TimeoutMS: 600000,
		},
		AddedAt: "2026-08-01T10:00:00Z",
	}
	if err := s.RegisterGroup(g); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGroupByFolder("team")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("group missing")
	}
	if got.Name != g.Name || got.TriggerPattern != g.TriggerPattern || !got.RequiresTrigger {
		t.Errorf("got %+v", got)
	}
	if got.Container == nil || len(got.Container.Mounts) != 1 ||
		got.Container.Mounts[0].Source != "/srv/shared/docs" || !got.Container.Mounts[0].ReadOnly ||
		got.Container.TimeoutMS != 600000 {
		t.Errorf("container config = %+v", got.Container)
	}

	byChat, err := s.GetGroupByChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if byChat == nil || byChat.Folder != "team" {
		t.Errorf("lookup by chat = %+v", byChat)
	}

	// Re-registering the same chat replaces the binding.
	g.Name = "Renamed"
	g.Container = nil
	if err := s.RegisterGroup(g); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetGroupByFolder("team")
	if got.Name != "Renamed" {
		t.Errorf("re-register did not update name: %q", got.Name)
	}

	if g, _ := s.GetGroupByFolder("ghost"); g != nil {
		t.Errorf("unknown folder = %+v", g)
	}
}

func TestDueTasks(t *testing.T) {
	s := openTestStore(t)

	now := "2026-08-01T10:00:00Z"
	mk := func(id, status, nextRun string) {
		t.Helper()
		if err := s.CreateTask(ScheduledTask{
			ID: id, Folder: "team", ChatID: "c1", Prompt: "p",
			ScheduleKind: ScheduleInterval, ScheduleValue: "60000",
			ContextMode: ContextGroup, NextRun: nextRun, Status: status,
			CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	mk("due-b", TaskActive, "2026-08-01T09:59:00Z")
	mk("due-a", TaskActive, "2026-08-01T09:59:00Z") // same instant, id breaks the tie
	mk("exact", TaskActive, now)                    // due-at-now counts
	mk("future", TaskActive, "2026-08-01T10:01:00Z")
	mk("paused", TaskPaused, "2026-08-01T09:00:00Z")
	mk("no-next", TaskActive, "")

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range due {
		ids = append(ids, task.ID)
	}
	want := []string{"due-a", "due-b", "exact"}
	if len(ids) != len(want) {
		t.Fatalf("due = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("due = %v, want %v", ids, want)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateTask(ScheduledTask{
		ID: "t1", Folder: "team", ChatID: "c1", Prompt: "daily report",
		ScheduleKind: ScheduleCron, ScheduleValue: "0 9 * * *",
		ContextMode: ContextIsolated, NextRun: "2026-08-02T09:00:00Z",
		Status: TaskActive, CreatedAt: "2026-08-01T10:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTaskStatus("t1", TaskPaused); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskPaused {
		t.Errorf("status = %q", task.Status)
	}

	if err := s.SetTaskNextRun("t1", ""); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask("t1")
	if task.NextRun != "" {
		t.Errorf("cleared next_run = %q", task.NextRun)
	}

	if task, _ := s.GetTask("ghost"); task != nil {
		t.Errorf("unknown task = %+v", task)
	}
}

func TestRecordTaskRunAndLogs(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateTask(ScheduledTask{
		ID: "t1", Folder: "team", ChatID: "c1", Prompt: "p",
		ScheduleKind: ScheduleInterval, ScheduleValue: "60000",
		ContextMode: ContextGroup, NextRun: "2026-08-01T10:00:00Z",
		Status: TaskActive, CreatedAt: "2026-08-01T09:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	runs := []TaskRunLog{
		{TaskID: "t1", RunAt: "2026-08-01T10:00:01Z", DurationMS: 1200, Status: "success", Result: "first"},
		{TaskID: "t1", RunAt: "2026-08-01T10:01:01Z", DurationMS: 800, Status: "error", Error: "sandbox exited with code 1"},
	}
	for _, r := range runs {
		if err := s.RecordTaskRun("t1", r); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.TaskRunLogs("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d log entries", len(logs))
	}
	// Newest first.
	if logs[0].Status != "error" || logs[0].Error != "sandbox exited with code 1" {
		t.Errorf("newest entry = %+v", logs[0])
	}
	if logs[1].Result != "first" || logs[1].DurationMS != 1200 {
		t.Errorf("oldest entry = %+v", logs[1])
	}

	task, _ := s.GetTask("t1")
	if task.LastRun != "2026-08-01T10:01:01Z" {
		t.Errorf("last_run = %q", task.LastRun)
	}
}

func TestListTasksForFolder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, folder := range []string{"team", "ops", "team"} {
		if err := s.CreateTask(ScheduledTask{
			ID: []string{"t1", "t2", "t3"}[i], Folder: folder, ChatID: "c1", Prompt: "p",
			ScheduleKind: ScheduleOnce, Status: TaskActive,
			CreatedAt: FormatTime(base.Add(time.Duration(i) * time.Minute)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.ListTasksForFolder("team")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t3" || tasks[1].ID != "t1" {
		t.Errorf("team tasks = %+v", tasks)
	}
}

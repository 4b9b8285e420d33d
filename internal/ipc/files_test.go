package ipc

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestWriteJSONAtomicAndNamed(t *testing.T) {
	dir := t.TempDir()

	name, err := WriteJSON(dir, InputMessage{Type: TypeMessage, Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !FileNameRe.MatchString(name) {
		t.Errorf("generated name %q does not match the protocol pattern", name)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
	// No temp file may survive a successful publish.
	if entries[0].Name() != name {
		t.Errorf("leftover file %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"message","text":"hello"}` {
		t.Errorf("payload = %s", data)
	}
}

func TestListPendingFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"200-bb.json",
		"100-aa.json",
		"100-aa.json.processing",
		".300-cc.json.tmp",
		"_close",
		"readme.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	names, err := ListPending(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"100-aa.json", "200-bb.json"}
	if len(names) != len(want) || !sort.StringsAreSorted(names) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestListPendingMissingDir(t *testing.T) {
	names, err := ListPending(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if names != nil {
		t.Errorf("expected no names, got %v", names)
	}
}

func TestClaimWinsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "100-aa.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	claimed, err := Claim(path)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != path+".processing" {
		t.Errorf("claimed path = %q", claimed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file should be gone after claim")
	}

	// A second claimer loses the rename race.
	if _, err := Claim(path); err == nil {
		t.Error("second claim should fail")
	}
}

func TestQuarantine(t *testing.T) {
	dirs := Dirs{Root: t.TempDir()}
	if err := dirs.EnsureFolder("team"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dirs.Messages("team"), "100-aa.json")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	claimed, err := Claim(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := dirs.Quarantine("team", claimed); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dirs.Errors(), "team-100-aa.json")
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if string(data) != "junk" {
		t.Errorf("quarantined content = %q", data)
	}
}

func TestCloseSentinelLifecycle(t *testing.T) {
	dirs := Dirs{Root: t.TempDir()}
	if err := dirs.EnsureFolder("team"); err != nil {
		t.Fatal(err)
	}

	if err := dirs.WriteCloseSentinel("team"); err != nil {
		t.Fatal(err)
	}
	// Writing twice is harmless.
	if err := dirs.WriteCloseSentinel("team"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dirs.Input("team"), CloseSentinel)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("sentinel must be zero bytes, got %d", info.Size())
	}

	if err := dirs.ClearCloseSentinel("team"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("sentinel should be removed")
	}
	// Clearing an absent sentinel is fine.
	if err := dirs.ClearCloseSentinel("team"); err != nil {
		t.Fatal(err)
	}
}

func TestWriteInput(t *testing.T) {
	dirs := Dirs{Root: t.TempDir()}
	if err := dirs.EnsureFolder("team"); err != nil {
		t.Fatal(err)
	}

	name, err := dirs.WriteInput("team", "follow-up")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dirs.Input("team"), name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"message","text":"follow-up"}` {
		t.Errorf("input payload = %s", data)
	}
}

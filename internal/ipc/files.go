package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dirs resolves the standard per-folder IPC subdirectories.
type Dirs struct {
	Root string
}

// Folder is the root of one registered folder's IPC tree. It is what gets
// bind-mounted into that folder's sandbox.
func (d Dirs) Folder(folder string) string { return filepath.Join(d.Root, folder) }

// Input is the host→sandbox prompt directory for a folder.
func (d Dirs) Input(folder string) string { return filepath.Join(d.Root, folder, "input") }

// Messages is the sandbox→host outbound-message directory for a folder.
func (d Dirs) Messages(folder string) string { return filepath.Join(d.Root, folder, "messages") }

// Tasks is the sandbox→host task-command directory for a folder.
func (d Dirs) Tasks(folder string) string { return filepath.Join(d.Root, folder, "tasks") }

// Errors is the shared quarantine directory.
func (d Dirs) Errors() string { return filepath.Join(d.Root, "errors") }

// EnsureFolder creates the full IPC tree for one folder.
func (d Dirs) EnsureFolder(folder string) error {
	for _, dir := range []string{d.Input(folder), d.Messages(folder), d.Tasks(folder), d.Errors()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s: %w", dir, err)
		}
	}
	return nil
}

// NewFileName generates a payload file name: "<unix-ms>-<random>.json".
func NewFileName() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), random)
}

// WriteJSON atomically writes v as JSON into dir: the payload lands in a
// sibling temp file first, then a rename makes it visible in one step so a
// polling reader never observes a partial write.
func WriteJSON(dir string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal ipc payload: %w", err)
	}

	name := NewFileName()
	tmp := filepath.Join(dir, "."+name+".tmp")
	final := filepath.Join(dir, name)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write ipc temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish ipc file: %w", err)
	}
	return name, nil
}

// WriteInput drops a follow-up prompt into a folder's input directory.
func (d Dirs) WriteInput(folder, text string) (string, error) {
	return WriteJSON(d.Input(folder), InputMessage{Type: TypeMessage, Text: text})
}

// WriteCloseSentinel creates the zero-byte _close file in a folder's input
// directory. Creating it twice is harmless.
func (d Dirs) WriteCloseSentinel(folder string) error {
	path := filepath.Join(d.Input(folder), CloseSentinel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write close sentinel for %s: %w", folder, err)
	}
	return f.Close()
}

// ClearCloseSentinel removes a leftover _close file so a fresh sandbox does
// not exit immediately after a restart.
func (d Dirs) ClearCloseSentinel(folder string) error {
	err := os.Remove(filepath.Join(d.Input(folder), CloseSentinel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear close sentinel for %s: %w", folder, err)
	}
	return nil
}

// Claim takes exclusive ownership of a pending file by renaming it away from
// the scan namespace. The returned path holds the claimed payload; a second
// claimer loses the rename race and gets an error.
func Claim(path string) (string, error) {
	claimed := path + ".processing"
	if err := os.Rename(path, claimed); err != nil {
		return "", fmt.Errorf("claim %s: %w", filepath.Base(path), err)
	}
	return claimed, nil
}

// Quarantine moves a claimed file into ipc/errors/<folder>-<name>.
func (d Dirs) Quarantine(folder, claimedPath string) error {
	name := strings.TrimSuffix(filepath.Base(claimedPath), ".processing")
	dest := filepath.Join(d.Errors(), folder+"-"+name)
	if err := os.Rename(claimedPath, dest); err != nil {
		return fmt.Errorf("quarantine %s: %w", name, err)
	}
	return nil
}

// ListPending enumerates dir and returns the valid payload file names in
// ascending name order, which is timestamp order under the naming scheme.
func ListPending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ipc dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if FileNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// os.ReadDir sorts by name already; the naming scheme makes that
	// chronological for same-millisecond widths seen in practice.
	return names, nil
}

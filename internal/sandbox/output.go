// Package sandbox launches and supervises one Docker container per group
// folder. The container runs the agent; the host talks to it over stdin
// (initial JSON payload), framed stdout records, and the filesystem IPC tree.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Stdout frame markers. Everything between a start and end marker must be one
// JSON record; anything else is a fatal output error for the run.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// OutputRecord is one framed record emitted by the agent.
// A success record with null result is a session-update marker only.
type OutputRecord struct {
	Status       string  `json:"status"` // "success" | "error"
	Result       *string `json:"result"`
	NewSessionID string  `json:"new_session_id,omitempty"`
	Error        string  `json:"error,omitempty"`
}

var internalSpanRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>…</internal> spans from agent output before
// it reaches a chat.
func StripInternal(s string) string {
	return strings.TrimSpace(internalSpanRe.ReplaceAllString(s, ""))
}

// ScanOutput reads the agent's stdout stream and invokes onRecord for every
// framed record, in order. Unframed lines are agent logging and are ignored.
// A non-JSON payload between markers aborts the scan with an error; the run
// is then treated as failed.
func ScanOutput(r io.Reader, onRecord func(OutputRecord)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		inFrame bool
		frame   strings.Builder
	)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == OutputStartMarker:
			inFrame = true
			frame.Reset()

		case trimmed == OutputEndMarker:
			if !inFrame {
				return fmt.Errorf("output end marker without start")
			}
			inFrame = false

			var rec OutputRecord
			if err := json.Unmarshal([]byte(frame.String()), &rec); err != nil {
				return fmt.Errorf("non-JSON payload between output markers: %w", err)
			}
			if rec.Status != "success" && rec.Status != "error" {
				return fmt.Errorf("invalid output record status %q", rec.Status)
			}
			onRecord(rec)

		case inFrame:
			frame.WriteString(line)
			frame.WriteString("\n")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent output: %w", err)
	}
	if inFrame {
		return fmt.Errorf("agent output ended inside a frame")
	}
	return nil
}

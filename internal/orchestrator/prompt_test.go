package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func TestEscapeXML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
		{`say "hi"`, "say &quot;hi&quot;"},
		{"it's", "it&#39;s"},
		{"&amp;", "&amp;amp;"},
	}

	for _, tt := range tests {
		if got := escapeXML(tt.in); got != tt.want {
			t.Errorf("escapeXML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatMessages(t *testing.T) {
	msgs := []store.Message{
		{SenderName: "alice", Timestamp: "2026-08-01T10:00:00Z", Content: "hello <world>"},
		{SenderName: "bob", Timestamp: "2026-08-01T10:01:00Z", Content: "hi"},
	}

	got := FormatMessages(msgs, 10)
	want := `<message sender="alice" time="2026-08-01T10:00:00Z">hello &lt;world&gt;</message>` + "\n" +
		`<message sender="bob" time="2026-08-01T10:01:00Z">hi</message>`
	if got != want {
		t.Errorf("FormatMessages =\n%s\nwant\n%s", got, want)
	}
}

func TestFormatMessagesTruncatesKeepingNewest(t *testing.T) {
	var msgs []store.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, store.Message{
			SenderName: "u",
			Timestamp:  fmt.Sprintf("2026-08-01T10:00:%02dZ", i),
			Content:    fmt.Sprintf("msg-%d", i),
		})
	}

	got := FormatMessages(msgs, 3)
	if strings.Contains(got, "msg-6") {
		t.Error("message outside the window survived truncation")
	}
	for _, keep := range []string{"msg-7", "msg-8", "msg-9"} {
		if !strings.Contains(got, keep) {
			t.Errorf("newest message %s missing after truncation", keep)
		}
	}
	if n := strings.Count(got, "<message "); n != 3 {
		t.Errorf("got %d messages, want 3", n)
	}
}

func TestFormatMessagesEmpty(t *testing.T) {
	if got := FormatMessages(nil, 5); got != "" {
		t.Errorf("empty batch should format to empty string, got %q", got)
	}
}

func TestTriggerRegexpDefault(t *testing.T) {
	re, err := TriggerRegexp("", "Andy")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		content string
		want    bool
	}{
		{"@Andy do the thing", true},
		{"@andy lowercase works", true},
		{"@ANDY caps work", true},
		{"@Andy, with punctuation", true},
		{"hello @Andy mid-message", false},
		{"@Andyother is a different name", false},
		{"no mention at all", false},
	}

	for _, tt := range tests {
		if got := re.MatchString(tt.content); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestTriggerRegexpQuotesMeta(t *testing.T) {
	// Regex metacharacters in the assistant name must be treated literally.
	re, err := TriggerRegexp("", "C.3PO")
	if err != nil {
		t.Fatal(err)
	}
	if re.MatchString("@CX3PO hello") {
		t.Error("dot in assistant name matched as wildcard")
	}
	if !re.MatchString("@C.3PO hello") {
		t.Error("literal name did not match")
	}
}

func TestTriggerRegexpCustomAndInvalid(t *testing.T) {
	re, err := TriggerRegexp(`(?i)^!bot\b`, "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("!bot status") {
		t.Error("custom pattern did not match")
	}

	if _, err := TriggerRegexp(`([unclosed`, "Andy"); err == nil {
		t.Error("invalid pattern should error")
	}
}

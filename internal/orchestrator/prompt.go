package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// escapeXML escapes message text for the prompt markup. Ampersand first so
// already-escaped entities are not double-mangled by the later rules.
func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// FormatMessages renders a batch of chat messages as the agent prompt. When
// the batch exceeds limit, only the newest limit messages survive; the agent
// always sees the most recent context.
func FormatMessages(msgs []store.Message, limit int) string {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, `<message sender="%s" time="%s">%s</message>`,
			escapeXML(m.SenderName), escapeXML(m.Timestamp), escapeXML(m.Content))
	}
	return b.String()
}

// TriggerRegexp compiles a group's trigger pattern. An empty pattern falls
// back to the default: the assistant name mentioned at the start of the
// message, case-insensitively, as in "@Andy restart the build".
func TriggerRegexp(pattern, assistantName string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = fmt.Sprintf(`(?i)^@%s\b`, regexp.QuoteMeta(assistantName))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger pattern %q: %w", pattern, err)
	}
	return re, nil
}

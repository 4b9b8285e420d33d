package sandbox

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SanitizeName strips everything outside [A-Za-z0-9-] from a candidate
// container name and rejects the empty result.
func SanitizeName(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		return "", fmt.Errorf("container name %q sanitizes to empty", raw)
	}
	return name, nil
}

// ContainerName builds the per-run container name for a folder.
func ContainerName(folder string) (string, error) {
	return SanitizeName(fmt.Sprintf("nanoclaw-%s-%d", folder, time.Now().UnixMilli()))
}

// FilterEnv returns only the host env vars named in the allow-list, as
// KEY=value pairs. Secrets never ride the environment; they go over stdin.
func FilterEnv(allowList []string) []string {
	var out []string
	for _, key := range allowList {
		if v, ok := os.LookupEnv(key); ok {
			out = append(out, key+"="+v)
		}
	}
	return out
}

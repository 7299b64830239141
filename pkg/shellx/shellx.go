// Package shellx provides small shell-text utilities used across the project.
package shellx

import (
	"encoding/base64"
	"strings"
)

// SingleQuote wraps s in single quotes for POSIX shells, escaping embedded
// single quotes with the '\'' idiom.
func SingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EmbedBase64 returns a shell line that recreates content at target without
// any quoting hazards: the payload travels base64-encoded.
func EmbedBase64(content, target string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(content))
	return "echo " + enc + " | base64 -d > " + target
}

// Heredoc feeds body to command through a single-quoted heredoc, so the
// body reaches the command verbatim with no expansion.
func Heredoc(command, marker, body string) string {
	var b strings.Builder
	b.WriteString(command + " << '" + marker + "'\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(marker + "\n")
	return b.String()
}

// ScrubLines drops lines matching any of the given predicates and trims the
// result. Used to remove known benign stderr noise before surfacing errors.
func ScrubLines(s string, drop ...func(line string) bool) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		skip := false
		for _, fn := range drop {
			if fn(line) {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

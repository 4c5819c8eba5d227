package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxResultBytes bounds a single tool result before it enters the
// conversation. Oversized output is truncated at a line boundary with an
// explicit marker so the model knows content is missing.
const maxResultBytes = 32 * 1024

// SanitizeResult strips control characters (except newline and tab) and
// truncates oversized output. Applied to every MCP tool result before it
// reaches the LLM or the tool log.
func SanitizeResult(content string) string {
	return truncateAtLineBoundary(stripControlChars(content), maxResultBytes)
}

func stripControlChars(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// truncateAtLineBoundary cuts at the last newline before the limit so
// indented JSON or log output keeps whole lines, backing up first so a
// multi-byte UTF-8 character is never split.
func truncateAtLineBoundary(content string, maxBytes int) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: output exceeded %d bytes, original size %d bytes]",
		maxBytes, len(content))
}

package session

import (
	"strings"
	"unicode/utf8"

	"github.com/zette-dev/kurocha/internal/executor"
)

const (
	maxProgressLen    = 300
	maxCommandLen     = 50
	progressFallback  = "Processing..."
	toolProgressIcon  = "🔧"
	ellipsis          = "..."
	progressSeparator = "\n\n"
)

// toolDisplayParam maps a tool name to the input key shown next to it.
var toolDisplayParam = map[string]string{
	"Read":  "file_path",
	"Edit":  "file_path",
	"Write": "file_path",
	"Bash":  "command",
	"Glob":  "pattern",
	"Grep":  "pattern",
}

// RenderProgress turns the content of one assistant event into a short
// progress line for the chat UI.
func RenderProgress(parts []executor.ContentPart) string {
	rendered := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case executor.ContentText:
			rendered = append(rendered, part.Text)
		case executor.ContentToolUse:
			rendered = append(rendered, renderToolUse(part))
		}
	}

	text := strings.TrimSpace(strings.Join(rendered, progressSeparator))
	if text == "" {
		return progressFallback
	}
	return truncate(text, maxProgressLen)
}

func renderToolUse(part executor.ContentPart) string {
	tag := toolProgressIcon + " [" + part.Name + "]"

	key, ok := toolDisplayParam[part.Name]
	if !ok {
		return tag
	}
	param, _ := part.Input[key].(string)
	if param == "" {
		return tag
	}
	if part.Name == "Bash" {
		param = truncate(param, maxCommandLen)
	}
	return tag + " " + param
}

// truncate caps s at limit runes, replacing the tail with an ellipsis.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - len(ellipsis)
	n := 0
	for i := range s {
		if n == keep {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

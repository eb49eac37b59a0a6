package codenotes

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9+#_.-]*\n(.*?)```")

// extractCode pulls source code out of an LLM reply. Fenced blocks win;
// when the model answered with bare code, the whole reply is taken as-is.
func extractCode(raw string) string {
	matches := fencePattern.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		blocks := make([]string, 0, len(matches))
		for _, m := range matches {
			blocks = append(blocks, strings.TrimRight(m[1], "\n"))
		}
		return strings.Join(blocks, "\n\n")
	}
	return strings.TrimSpace(raw)
}

// reply is the parsed form of the structured iteration answer.
type reply struct {
	Response    string
	CodeChanged bool
	NewCode     string
}

// parseReply splits a structured iteration answer into its sections. The
// format is three labeled sections in order:
//
//	RESPONSE: <explanation>
//	CODE_CHANGED: true|false
//	NEW_CODE: <full updated code, usually fenced>
//
// A reply without the labels is treated as a plain explanation with no
// code change, so a model that ignores the format degrades gracefully.
func parseReply(raw string) reply {
	respIdx := strings.Index(raw, "RESPONSE:")
	changedIdx := strings.Index(raw, "CODE_CHANGED:")
	codeIdx := strings.Index(raw, "NEW_CODE:")

	if respIdx < 0 || changedIdx < 0 || changedIdx < respIdx {
		return reply{Response: strings.TrimSpace(raw)}
	}

	r := reply{
		Response: strings.TrimSpace(raw[respIdx+len("RESPONSE:") : changedIdx]),
	}

	changedEnd := len(raw)
	if codeIdx > changedIdx {
		changedEnd = codeIdx
	}
	flag := strings.ToLower(strings.TrimSpace(raw[changedIdx+len("CODE_CHANGED:") : changedEnd]))
	r.CodeChanged = flag == "true" || flag == "yes"

	if r.CodeChanged && codeIdx > changedIdx {
		r.NewCode = extractCode(strings.TrimSpace(raw[codeIdx+len("NEW_CODE:"):]))
	}
	return r
}

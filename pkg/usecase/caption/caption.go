// Package caption derives short human-readable session titles from the
// first user query, preferring the LLM and degrading to a keyword
// heuristic when generation fails.
package caption

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
)

const maxLength = 50

const promptTemplate = `Create a short, unique title (3-6 words) that summarizes this question or topic.
Be specific and descriptive. Avoid generic words like "chat", "question", "discussion".

Question: %QUERY%

Title:`

var (
	markupPattern  = regexp.MustCompile(`[*_:#\-]+`)
	nonWordPattern = regexp.MustCompile(`[^\w\s]`)

	stopWords = map[string]struct{}{
		"what": {}, "is": {}, "how": {}, "can": {}, "do": {}, "does": {},
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
		"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
		"with": {}, "by": {}, "about": {}, "help": {}, "me": {},
		"please": {}, "tell": {}, "explain": {},
	}
)

// Generate asks the LLM for a title and post-processes it into a caption
// of at most 50 characters. A generation failure never propagates; the
// fallback caption is returned instead.
func Generate(ctx context.Context, llm adapter.LLM, query string) string {
	prompt := strings.ReplaceAll(promptTemplate, "%QUERY%", query)
	resp, err := llm.Generate(ctx, []adapter.Message{{Role: adapter.RoleUser, Content: prompt}})
	if err != nil {
		logging.From(ctx).Warn("caption generation failed, using fallback", "error", err)
		return Fallback(query)
	}

	caption := clean(resp)
	if caption == "" {
		return Fallback(query)
	}
	return caption
}

// Fallback builds a caption from the query's keywords after stop-word
// filtering, or a timestamped default when nothing usable remains.
func Fallback(query string) string {
	cleaned := nonWordPattern.ReplaceAllString(strings.ToLower(query), "")
	words := strings.Fields(cleaned)

	var filtered []string
	for _, w := range words {
		if _, ok := stopWords[w]; !ok && len(w) > 2 {
			filtered = append(filtered, w)
		}
	}

	key := filtered
	if len(key) > 4 {
		key = key[:4]
	}
	if len(key) == 0 {
		key = words
		if len(key) > 3 {
			key = key[:3]
		}
	}

	caption := title(strings.Join(key, " "))
	if len([]rune(caption)) < 6 {
		return "Chat " + time.Now().Format("01-02 15:04")
	}
	return caption
}

// clean normalizes raw LLM output into a single short title line.
func clean(raw string) string {
	caption := strings.TrimSpace(raw)
	caption = strings.Trim(caption, `"'`)
	caption = strings.TrimSpace(markupPattern.ReplaceAllString(caption, ""))

	// keep only the first block: prefer paragraph break, then line, then
	// sentence
	for _, sep := range []string{"\n\n", "\n", "."} {
		if idx := strings.Index(caption, sep); idx >= 0 {
			caption = strings.TrimSpace(caption[:idx])
			break
		}
	}

	// the limit counts characters, and slicing runes keeps multibyte
	// titles intact
	if runes := []rune(caption); len(runes) > maxLength {
		caption = strings.TrimRight(string(runes[:maxLength-3]), " ") + "..."
	}
	return title(caption)
}

// title upper-cases the first rune of each word, like Python's
// str.title(), which the captions historically used.
func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

package mock

import (
	"strings"
	"unicode/utf8"
)

// MaxChunkChars is the longest piece of text synthesized as one chunk.
const MaxChunkChars = 250

// SplitText breaks text into pieces of at most maxChars characters,
// preferring sentence boundaries and falling back to clause boundaries for
// long sentences. Whitespace is collapsed. A single clause longer than
// maxChars is kept whole.
func SplitText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = MaxChunkChars
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var (
		chunks  []string
		current string
	)
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}
	join := func(s string) {
		if current == "" {
			current = s
			return
		}
		current += " " + s
	}
	fits := func(s string) bool {
		return utf8.RuneCountInString(current)+utf8.RuneCountInString(s)+1 <= maxChars
	}

	for _, sentence := range splitAfterAny(text, ".!?") {
		if fits(sentence) {
			join(sentence)
			continue
		}
		flush()
		if utf8.RuneCountInString(sentence) <= maxChars {
			current = sentence
			continue
		}
		for _, clause := range splitAfterAny(sentence, ",;:-") {
			if !fits(clause) {
				flush()
				current = clause
				continue
			}
			join(clause)
		}
	}
	flush()
	return chunks
}

// splitAfterAny splits s after any of the runes in marks that is followed by
// a space. s must have single spaces only.
func splitAfterAny(s, marks string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		if s[i+1] == ' ' && strings.IndexByte(marks, s[i]) >= 0 {
			parts = append(parts, s[start:i+1])
			start = i + 2
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

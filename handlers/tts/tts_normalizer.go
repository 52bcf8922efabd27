package tts

import (
	"regexp"
	"strings"
)

var (
	// Anything that is not a letter, number, punctuation, separator, or
	// whitespace. This catches emoji and other pictographs the synthesizer
	// would read aloud. Newlines and tabs survive here and collapse to
	// single spaces below.
	emojiRegex          = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\s]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)
)

// markdownMarkers are stripped verbatim. Two-character markers must come
// before their one-character substrings.
var markdownMarkers = []string{"**", "__", "~~", "*", "`"}

// normalizeTextForTTS strips formatting the synthesizer would stumble on:
// markdown markers, emoji, and redundant whitespace.
func normalizeTextForTTS(text string) string {
	for _, marker := range markdownMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	text = emojiRegex.ReplaceAllString(text, "")
	text = multipleSpacesRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

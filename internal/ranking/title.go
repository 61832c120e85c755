package ranking

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	apostropheRegex    = regexp.MustCompile(`['\x60\x{2018}\x{2019}\x{02BC}]`)
	specialCharsRegex  = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	multipleSpaceRegex = regexp.MustCompile(`\s+`)
	optionalPartRegex  = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
)

// stopWords are ignored when computing required-word coverage.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"of": true, "and": true, "or": true,
	"in": true, "on": true, "at": true, "to": true,
	"for": true, "by": true, "with": true, "from": true,
}

// titleSeparators may sit between a title and surrounding release metadata.
var titleSeparators = []string{"-", ":", "(", "[", ",", ")", "]", "|", "/", ".", "_", "~", "–", "—"}

// NormalizeTitle lowercases a title, strips apostrophes, turns other
// punctuation into spaces and collapses whitespace.
func NormalizeTitle(title string) string {
	normalized := strings.ToLower(title)
	normalized = apostropheRegex.ReplaceAllString(normalized, "")
	normalized = specialCharsRegex.ReplaceAllString(normalized, " ")
	normalized = multipleSpaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// lightNormalize lowercases and collapses whitespace but keeps punctuation,
// which the complete-title check needs to recognize separators.
func lightNormalize(title string) string {
	normalized := strings.ToLower(title)
	normalized = apostropheRegex.ReplaceAllString(normalized, "")
	normalized = multipleSpaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(NormalizeTitle(s))
}

// splitRequired separates the text outside parentheses/brackets from the
// text inside them.
func splitRequired(title string) (required, optional string) {
	var parts []string
	for _, m := range optionalPartRegex.FindAllString(title, -1) {
		parts = append(parts, m[1:len(m)-1])
	}
	required = optionalPartRegex.ReplaceAllString(title, " ")
	return required, strings.Join(parts, " ")
}

// requiredWords returns the distinct non stop-word tokens of the required
// portion of a requested title.
func requiredWords(title string) []string {
	required, _ := splitRequired(title)
	seen := make(map[string]bool)
	var words []string
	for _, tok := range tokenize(required) {
		if stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		words = append(words, tok)
	}
	return words
}

// RequiredCoverage returns the fraction of required title words present in
// the candidate title and whether the requested title had any required words.
func RequiredCoverage(candidateTitle, requestedTitle string) (float64, bool) {
	words := requiredWords(requestedTitle)
	if len(words) == 0 {
		return 1, false
	}

	present := make(map[string]bool)
	for _, tok := range tokenize(candidateTitle) {
		present[tok] = true
	}

	matched := 0
	for _, w := range words {
		if present[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(words)), true
}

// span is a token and its byte range within a lightly normalized string.
type span struct {
	word       string
	start, end int
}

func tokenSpans(s string) []span {
	var spans []span
	start := -1
	for i, r := range s {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case isWord && start < 0:
			start = i
		case !isWord && start >= 0:
			spans = append(spans, span{word: s[start:i], start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{word: s[start:], start: start, end: len(s)})
	}
	return spans
}

func spanWords(spans []span) []string {
	words := make([]string, len(spans))
	for i, sp := range spans {
		words[i] = sp.word
	}
	return words
}

// IsCompleteTitleMatch reports whether the requested title occurs in the
// candidate as a complete unit: every occurrence is checked and the text on
// both sides must be empty, a separator, or an author name.
func IsCompleteTitleMatch(candidateTitle, requestedTitle string, authors [][]string) bool {
	light := lightNormalize(candidateTitle)
	spans := tokenSpans(light)
	candidate := spanWords(spans)

	required, _ := splitRequired(requestedTitle)
	variants := [][]string{tokenize(requestedTitle), tokenize(required)}
	for _, phrase := range variants {
		if len(phrase) == 0 {
			continue
		}
		for i := 0; i+len(phrase) <= len(candidate); i++ {
			if !equalWords(candidate[i:i+len(phrase)], phrase) {
				continue
			}
			before := light[:spans[i].start]
			after := light[spans[i+len(phrase)-1].end:]
			if boundaryOK(before, candidate[:i], authors, true) &&
				boundaryOK(after, candidate[i+len(phrase):], authors, false) {
				return true
			}
		}
	}
	return false
}

// boundaryOK checks the text adjacent to a title occurrence. words holds the
// tokens of that text in order.
func boundaryOK(text string, words []string, authors [][]string, before bool) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	for _, sep := range titleSeparators {
		if before && strings.HasSuffix(trimmed, sep) {
			return true
		}
		if !before && strings.HasPrefix(trimmed, sep) {
			return true
		}
	}

	if before && len(words) > 0 && words[len(words)-1] == "by" {
		return true
	}
	if !before && len(words) > 0 && words[0] == "by" {
		return true
	}

	for _, author := range authors {
		if authorAdjacent(words, author, before) {
			return true
		}
	}
	return false
}

// authorAdjacent matches a full author name, or its surname, directly next to
// the title occurrence.
func authorAdjacent(words, author []string, before bool) bool {
	if len(author) == 0 || len(words) == 0 {
		return false
	}
	if len(author) <= len(words) {
		if before && equalWords(words[len(words)-len(author):], author) {
			return true
		}
		if !before && equalWords(words[:len(author)], author) {
			return true
		}
	}
	last := author[len(author)-1]
	if len(last) <= 2 {
		return false
	}
	if before {
		return words[len(words)-1] == last
	}
	return words[0] == last
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// containsWords reports whether needle occurs as a contiguous token run in haystack.
func containsWords(haystack, needle []string) bool {
	if len(needle) == 0 {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalWords(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

// Package compression shrinks retrieved context to a token budget by
// keeping the sentences most relevant to the query.
package compression

import (
	"strings"
	"unicode"
)

// Abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr":     true,
	"mrs":    true,
	"ms":     true,
	"dr":     true,
	"prof":   true,
	"sr":     true,
	"jr":     true,
	"st":     true,
	"vs":     true,
	"etc":    true,
	"e.g":    true,
	"i.e":    true,
	"no":     true,
	"inc":    true,
	"ltd":    true,
	"approx": true,
}

// Sentence terminators, ASCII and CJK.
func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// SplitSentences breaks text at terminator-plus-whitespace boundaries,
// skipping common abbreviations and decimal points. Whitespace-only
// segments are dropped.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var sentences []string
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}

		// CJK terminators end a sentence with or without trailing space.
		cjk := runes[i] != '.' && runes[i] != '!' && runes[i] != '?'
		if !cjk {
			// ASCII terminators need following whitespace (or end of text).
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if runes[i] == '.' {
				if isAbbreviation(runes[start:i]) {
					continue
				}
				// A decimal like "3.14" never has a space after the dot,
				// so it is already excluded by the whitespace check.
			}
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// isAbbreviation checks whether the token directly before a period is a
// known abbreviation.
func isAbbreviation(before []rune) bool {
	end := len(before)
	startIdx := end
	for startIdx > 0 && !unicode.IsSpace(before[startIdx-1]) {
		startIdx--
	}
	word := strings.ToLower(string(before[startIdx:end]))
	word = strings.TrimSuffix(word, ".")
	return abbreviations[word]
}

// tokenize lowercases and splits on non-letter, non-digit runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Package moderation provides content filtering and mute management for live
// sessions. The profanity filter censors offending tokens rather than
// blocking delivery; repeated violations accumulate strikes that escalate
// into an automatic temporary mute.
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Deployments extend or replace it
// via config; multi-word entries are matched as phrases.
var defaultTerms = []string{
	"asshole",
	"bastard",
	"bitch",
	"cunt",
	"dick",
	"fuck",
	"motherfucker",
	"nigger",
	"prick",
	"pussy",
	"shit",
	"slut",
	"twat",
	"whore",
	"kill yourself",
	"go die",
}

// FilterResult describes the outcome of screening one message.
type FilterResult struct {
	Censored  string   // text with offending tokens masked
	Violation bool     // true if anything was censored
	Terms     []string // the blocklist terms that matched
}

// Filter screens message text against a blocklist. Matching is exact-token
// and case-insensitive: single words match whole word runs, multi-word
// phrases match on word boundaries. It holds no mutable state and is safe
// for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter from an explicit term list. Terms
// containing whitespace are treated as phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsRune(term, ' ') {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// isWordRune reports whether r belongs to a word token.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

// Censor screens text and returns it with offending tokens replaced by '*'
// runs of the same length. The second return value is true when at least one
// blocklist term matched.
func (f *Filter) Censor(text string) (string, bool) {
	result := f.Check(text)
	return result.Censored, result.Violation
}

// Check screens text and reports the censored form along with every matched
// term. Punctuation and spacing are preserved; only the offending word runs
// are masked.
func (f *Filter) Check(text string) FilterResult {
	runes := []rune(text)
	var matched []string

	// Pass 1: single-word tokens. Scan maximal word runs and mask those on
	// the blocklist.
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		token := strings.ToLower(string(runes[i:j]))
		if _, ok := f.words[token]; ok {
			matched = append(matched, token)
			for k := i; k < j; k++ {
				runes[k] = '*'
			}
		}
		i = j
	}

	// Pass 2: phrases. The search works entirely in rune indices: lowering
	// rune by rune keeps the lowered text aligned with the original even for
	// case pairs whose UTF-8 byte lengths differ, so masks land on the right
	// positions.
	lowered := make([]rune, len(runes))
	for i, r := range runes {
		lowered[i] = unicode.ToLower(r)
	}
	for _, phrase := range f.phrases {
		pr := []rune(phrase)
		if len(pr) == 0 {
			continue
		}
		for start := 0; start+len(pr) <= len(lowered); start++ {
			end := start + len(pr)
			if !runesEqual(lowered[start:end], pr) {
				continue
			}
			if start > 0 && isWordRune(lowered[start-1]) {
				continue
			}
			if end < len(lowered) && isWordRune(lowered[end]) {
				continue
			}
			matched = append(matched, phrase)
			for k := start; k < end; k++ {
				if isWordRune(lowered[k]) {
					runes[k] = '*'
					lowered[k] = '*'
				}
			}
			start = end - 1
		}
	}

	return FilterResult{
		Censored:  string(runes),
		Violation: len(matched) > 0,
		Terms:     matched,
	}
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

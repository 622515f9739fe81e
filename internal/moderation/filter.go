// Package moderation screens relayed text before it reaches the partner.
// A Filter combines a keyword blocklist (whole words and phrases, with
// leetspeak normalization) with pattern checks for links, handles, phone
// numbers and flooding.
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the blocklist used by NewFilter.
var defaultTerms = []string{
	// scams and fraud
	"spam", "scam", "fraud", "free bitcoin", "crypto giveaway", "double your money",
	// harassment
	"kill yourself", "kys", "go die",
	// sexual exploitation
	"child porn", "send nudes",
	// extremism and threats
	"heil hitler", "bomb threat",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter is a read-only blocklist, safe for concurrent use.
type Filter struct {
	words     map[string]struct{}
	phrases   map[string]struct{}
	maxPhrase int
}

// NewFilter creates a Filter with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter for the given terms. Terms with more
// than one word are matched as phrases. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{
		words:   make(map[string]struct{}),
		phrases: make(map[string]struct{}),
	}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases[strings.Join(tokens, " ")] = struct{}{}
			if len(tokens) > f.maxPhrase {
				f.maxPhrase = len(tokens)
			}
		}
	}
	return f
}

// Check returns the verdict for text. Blocklist matches take priority over
// spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for i, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
		for n := 2; n <= f.maxPhrase && i+n <= len(tokens); n++ {
			phrase := strings.Join(tokens[i:i+n], " ")
			if _, ok := f.phrases[phrase]; ok {
				return phrase, true
			}
		}
	}
	return "", false
}

// normalizeLeet maps leetspeak characters back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is tokenizePlain but keeps the symbols leetMap folds.
func tokenizeLeet(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package patching

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// VerbPair is a singular/plural verb form.
type VerbPair struct {
	Singular string
	Plural   string
}

// VerbPairs is checked in order; the first pair found in a sentence wins.
var VerbPairs = []VerbPair{
	{"has", "have"},
	{"is", "are"},
	{"was", "were"},
	{"does", "do"},
}

func (p VerbPair) String() string {
	return p.Singular + "/" + p.Plural
}

// MarshalJSON encodes the pair as ["singular", "plural"].
func (p VerbPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Singular, p.Plural})
}

func (p *VerbPair) UnmarshalJSON(b []byte) error {
	var v [2]string
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("verb pair: %w", err)
	}
	p.Singular, p.Plural = v[0], v[1]
	return nil
}

// Other returns the opposite form of verb within the pair.
func (p VerbPair) Other(verb string) string {
	if verb == p.Singular {
		return p.Plural
	}
	return p.Singular
}

// Variant is a sentence split around its verb plus the number-flipped
// "bad" sentence. Prefix + Actual + Suffix is the trimmed input.
type Variant struct {
	Sentence    string
	Pair        VerbPair
	Prefix      string
	Actual      string
	Wrong       string
	Suffix      string
	BadSentence string
}

// IsPlural reports whether the verb found in the sentence is the plural form.
func (v Variant) IsPlural() bool {
	return v.Actual == v.Pair.Plural
}

// Matcher locates a verb form inside a lower-cased sentence. Find returns
// the byte offset of the last occurrence, or -1.
type Matcher interface {
	Find(lower, form string) int
}

// SubstringMatcher matches anywhere, so "is" also matches inside "this".
type SubstringMatcher struct{}

func (SubstringMatcher) Find(lower, form string) int {
	return strings.LastIndex(lower, form)
}

// WordBoundaryMatcher only matches whole words.
type WordBoundaryMatcher struct{}

func (WordBoundaryMatcher) Find(lower, form string) int {
	end := len(lower)
	for end > 0 {
		i := strings.LastIndex(lower[:end], form)
		if i < 0 {
			return -1
		}
		if isBoundary(lower, i-1, true) && isBoundary(lower, i+len(form), false) {
			return i
		}
		end = i + len(form) - 1
	}
	return -1
}

func isBoundary(s string, i int, before bool) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(s[:i+1])
	} else {
		r, _ = utf8.DecodeRuneInString(s[i:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// NewMatcher maps a config name to a matcher. Empty means substring.
func NewMatcher(name string) (Matcher, error) {
	switch strings.ToLower(name) {
	case "", "substring":
		return SubstringMatcher{}, nil
	case "word":
		return WordBoundaryMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", name)
	}
}

// BuildVariants detects the verb with the default substring matcher.
func BuildVariants(sentence string) (Variant, bool) {
	return BuildVariantsWith(SubstringMatcher{}, sentence)
}

// BuildVariantsWith splits sentence at the last occurrence of the first
// verb pair m finds. The singular form is tried before the plural.
func BuildVariantsWith(m Matcher, sentence string) (Variant, bool) {
	s := strings.TrimSpace(sentence)
	lower := lowerASCII(s)

	for _, pair := range VerbPairs {
		actual := pair.Singular
		idx := m.Find(lower, actual)
		if idx < 0 {
			actual = pair.Plural
			if idx = m.Find(lower, actual); idx < 0 {
				continue
			}
		}
		wrong := pair.Other(actual)
		prefix, suffix := s[:idx], s[idx+len(actual):]
		return Variant{
			Sentence:    s,
			Pair:        pair,
			Prefix:      prefix,
			Actual:      actual,
			Wrong:       wrong,
			Suffix:      suffix,
			BadSentence: strings.TrimSpace(prefix + wrong + suffix),
		}, true
	}
	return Variant{}, false
}

// lowerASCII lower-cases A-Z only so byte offsets match the original string.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

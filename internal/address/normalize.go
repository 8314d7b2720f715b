// Package address reduces free-text French postal addresses to a canonical
// form used by the country classifier, the BAN resolver and the scorer.
package address

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks decomposes to compatibility form and drops combining marks.
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Normalize lowercases text, strips diacritics, and replaces every run of
// punctuation or whitespace with a single space. It is total and idempotent.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	s, _, err := transform.String(stripMarks, text)
	if err != nil {
		s = text
	}
	// Letters without a decomposition (ø, ß, æ, ł) survive mark removal.
	if !isASCII(s) {
		s = unidecode.Unidecode(s)
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteByte(c)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ExtractPostalCode returns the first run of exactly five digits bounded by
// non-digits, or false when there is none.
func ExtractPostalCode(text string) (string, bool) {
	s := Normalize(text)
	for i := 0; i < len(s); {
		if !isDigit(s[i]) {
			i++
			continue
		}
		j := i
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if j-i == 5 {
			return s[i:j], true
		}
		i = j
	}
	return "", false
}

// Tokenize splits the normalized text on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(Normalize(text))
}

// NonDigitTokens returns the normalized tokens that are not pure digits, in
// order.
func NonDigitTokens(text string) []string {
	tokens := Tokenize(text)
	out := tokens[:0]
	for _, t := range tokens {
		if !IsDigits(t) {
			out = append(out, t)
		}
	}
	return out
}

// TrailingCountryTokens returns the last one to three non-digit tokens of the
// normalized text, in order. A trailing country name is expected there.
func TrailingCountryTokens(text string) []string {
	tokens := NonDigitTokens(text)
	if len(tokens) > TrailingWindow {
		tokens = tokens[len(tokens)-TrailingWindow:]
	}
	return tokens
}

// TrailingWindow is the number of trailing tokens inspected for a country.
const TrailingWindow = 3

// IsDigits reports whether s is a non-empty run of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

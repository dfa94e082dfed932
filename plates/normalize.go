package plates

import (
	"regexp"
	"strings"
	"unicode"
)

// platePattern is the canonical plate grammar: one letter followed by a
// run of digits.
var platePattern = regexp.MustCompile(`[A-Z][0-9]+`)

// Reading is the outcome of normalizing one OCR result.
type Reading struct {
	Raw       string
	Canonical string
	Found     bool
	// NonLatinDigits reports decimal digits outside ASCII (Arabic-Indic,
	// Devanagari, ...) in the raw text. It does not affect Canonical.
	NonLatinDigits bool
}

// Normalize uppercases raw, drops everything but ASCII letters and digits
// and returns the first letter+digits run.
func Normalize(raw string) (string, bool) {
	cleaned := clean(raw)
	m := platePattern.FindString(cleaned)
	if m == "" {
		return "", false
	}
	return m, true
}

func Read(raw string) Reading {
	canonical, ok := Normalize(raw)
	return Reading{
		Raw:            raw,
		Canonical:      canonical,
		Found:          ok,
		NonLatinDigits: hasNonLatinDigits(raw),
	}
}

func clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasNonLatinDigits(raw string) bool {
	for _, r := range raw {
		if r > unicode.MaxASCII && unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

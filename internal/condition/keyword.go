package condition

import (
	"context"
	"strings"
	"unicode"
)

// KeywordJudge matches a free-text condition when every significant keyword
// of the condition appears in the customer's latest message. Words are
// compared by a crude stem so "refunds" matches "refund".
type KeywordJudge struct{}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "about": true,
	"is": true, "are": true, "was": true, "be": true, "has": true, "have": true,
	"if": true, "when": true, "whenever": true, "that": true, "this": true,
	"it": true, "their": true, "they": true, "them": true, "his": true, "her": true,
	"customer": true, "user": true, "asks": true, "ask": true, "wants": true,
	"want": true, "mentions": true, "says": true, "some": true, "any": true,
	"asking": true, "question": true, "questions": true, "regarding": true, "inquires": true,
}

// Judge implements Judge.
func (KeywordJudge) Judge(_ context.Context, condition string, cc *Context) (bool, error) {
	keywords := Keywords(condition)
	if len(keywords) == 0 {
		return false, nil
	}
	have := make(map[string]bool)
	for _, w := range words(cc.Message) {
		have[stem(w)] = true
	}
	for _, k := range keywords {
		if !have[k] {
			return false, nil
		}
	}
	return true, nil
}

// Keywords returns the stemmed significant words of text.
func Keywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range words(text) {
		if stopwords[w] || len(w) < 3 {
			continue
		}
		s := stem(w)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(w, suffix) && len(w)-len(suffix) >= 3 {
			return strings.TrimSuffix(w, suffix)
		}
	}
	return w
}

// Package tokens provides token counting for message content.
package tokens

import (
	"math"
	"unicode"
)

// Counter returns the token count of a piece of text. Implementations must be
// pure and must not fail; empty text counts as zero.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

const defaultCharsPerToken = 4.0

// Estimator approximates BPE token counts from character classes.
// Latin text averages about four characters per token, while CJK ideographs
// and kana usually encode to at least one token each.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator returns an Estimator using charsPerToken for non-CJK text.
// Values <= 0 fall back to 4.
func NewEstimator(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// Count rounds up, so a non-empty string is never zero tokens.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	var wide, narrow int
	for _, r := range text {
		if isWide(r) {
			wide++
		} else {
			narrow++
		}
	}
	return wide + int(math.Ceil(float64(narrow)/e.charsPerToken))
}

func isWide(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

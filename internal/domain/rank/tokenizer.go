package rank

import (
	"strings"
	"unicode"
)

// cjkThreshold is the fraction of CJK runes at which a text switches to
// n-gram tokenization.
const cjkThreshold = 0.10

func isCJKRune(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul Syllables
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK Compatibility Ideographs
		return true
	}
	return false
}

// IsCJK reports whether at least 10% of the text's letters are CJK.
func IsCJK(s string) bool {
	var letters, cjk int
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if isCJKRune(r) {
				cjk++
			}
		}
	}
	if letters == 0 {
		return false
	}
	return float64(cjk)/float64(letters) >= cjkThreshold
}

// Tokenize splits text for lexical scoring. Latin text lowercases and splits
// on whitespace and punctuation; CJK text emits character bi- and tri-grams
// over each contiguous CJK run, with embedded Latin words tokenized normally.
func Tokenize(s string) []string {
	if IsCJK(s) {
		return tokenizeCJK(s)
	}
	return tokenizeLatin(s)
}

func tokenizeLatin(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func tokenizeCJK(s string) []string {
	var tokens []string
	var run []rune   // current CJK run
	var latin []rune // current non-CJK word

	flushLatin := func() {
		if len(latin) > 0 {
			tokens = append(tokens, tokenizeLatin(string(latin))...)
			latin = latin[:0]
		}
	}
	flushRun := func() {
		tokens = append(tokens, ngrams(run, 2)...)
		tokens = append(tokens, ngrams(run, 3)...)
		if len(run) == 1 {
			// A lone ideograph has no bigram; keep the character itself.
			tokens = append(tokens, string(run))
		}
		run = run[:0]
	}

	for _, r := range s {
		if isCJKRune(r) {
			flushLatin()
			run = append(run, r)
			continue
		}
		if len(run) > 0 {
			flushRun()
		}
		latin = append(latin, r)
	}
	flushRun()
	flushLatin()
	return tokens
}

func ngrams(runes []rune, n int) []string {
	if len(runes) < n {
		return nil
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

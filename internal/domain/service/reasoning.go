package service

import (
	"regexp"
	"strings"
)

// Reasoning models interleave chain-of-thought with the answer inside
// <think>/<thinking>/<thought> blocks. The final answer must not carry them:
// it is what the response cache stores, the transcript holds, and the
// non-streaming surfaces return verbatim.

// thinkTagRe matches opening and closing reasoning tags. Group 1 captures
// the "/" of a closing tag.
var thinkTagRe = regexp.MustCompile(`(?i)<\s*(/?)\s*(?:think(?:ing)?|thought)\b[^<>]*>`)

// StripReasoning removes reasoning blocks from model output. Tags inside
// fenced code blocks survive untouched. An unclosed block drops everything
// after its opening tag, so a call that ended mid-thought never leaks
// thinking text into the answer.
func StripReasoning(text string) string {
	if text == "" || !strings.Contains(text, "<") {
		return text
	}
	matches := thinkTagRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	fences := fencedRegions(text)

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	inside := false
	for _, m := range matches {
		start, end := m[0], m[1]
		closing := m[2] != m[3]
		if insideRegion(start, fences) {
			continue
		}
		if !inside {
			b.WriteString(text[last:start])
			if !closing {
				inside = true
			}
		} else if closing {
			inside = false
		}
		last = end
	}
	if !inside {
		b.WriteString(text[last:])
	}
	return strings.TrimSpace(b.String())
}

type textSpan struct{ start, end int }

// fencedRegions locates ``` blocks so literal tags in code samples are not
// treated as reasoning markup. An unclosed fence runs to the end of the text.
func fencedRegions(text string) []textSpan {
	var regions []textSpan
	offset := 0
	for {
		rel := strings.Index(text[offset:], "```")
		if rel < 0 {
			return regions
		}
		open := offset + rel
		if open > 0 && text[open-1] != '\n' {
			offset = open + 3
			continue
		}

		closeAt := -1
		pos := open + 3
		for pos < len(text) {
			ci := strings.Index(text[pos:], "```")
			if ci < 0 {
				break
			}
			cand := pos + ci
			if text[cand-1] == '\n' {
				closeAt = cand
				break
			}
			pos = cand + 3
		}
		if closeAt < 0 {
			return append(regions, textSpan{open, len(text)})
		}
		end := closeAt + 3
		regions = append(regions, textSpan{open, end})
		offset = end
	}
}

func insideRegion(pos int, regions []textSpan) bool {
	for _, r := range regions {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}

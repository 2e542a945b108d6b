package telegram

import "strings"

const (
	// messageLimit is Telegram's hard cap on message text length.
	messageLimit = 4096

	// chunkBudget is the per-chunk markdown budget. Rendering adds tags and
	// entity escapes, so chunks leave headroom under the hard cap.
	chunkBudget = 3584
)

// chunkMarkdown splits markdown into pieces of roughly limit bytes, breaking
// at paragraph or sentence boundaries where it can and keeping fenced code
// blocks intact. When a fence is too large to keep whole it is sliced, each
// slice re-closed and the next one reopened, so every chunk renders with
// balanced fences. Fence repair can push a chunk slightly past the limit;
// callers leave headroom for that.
func chunkMarkdown(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	fences := fenceSpans(text)

	var chunks []string
	remaining := text
	offset := 0
	carry := false // previous chunk ended inside a fence

	emit := func(chunk string) {
		if carry {
			chunk = "```\n" + chunk
		}
		carry = fenceOpen(chunk)
		if carry {
			chunk += "\n```"
		}
		chunks = append(chunks, chunk)
	}

	for len(remaining) > 0 {
		if len(remaining) <= limit {
			emit(remaining)
			break
		}

		splitAt := limit

		// Keep the split out of fenced code when the fence fits.
		absPos := offset + splitAt
		for _, f := range fences {
			if absPos > f.start && absPos < f.end {
				if f.start-offset > limit/3 {
					splitAt = f.start - offset
				} else if f.end-offset <= limit*2 {
					// Oversize by up to one limit rather than slicing code.
					splitAt = f.end - offset
				}
				break
			}
		}

		if splitAt >= limit {
			splitAt = findSplitPoint(remaining, limit)
			if splitAt <= 0 {
				splitAt = limit
			}
		}

		emit(remaining[:splitAt])
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\r\n")
		offset += splitAt
	}

	return chunks
}

type span struct{ start, end int }

// fenceSpans locates ``` fenced regions, treating an unclosed fence as
// running to the end of the text.
func fenceSpans(text string) []span {
	var spans []span
	i := 0
	for i < len(text) {
		if i+3 <= len(text) && text[i:i+3] == "```" {
			start := i
			j := i + 3
			closed := false
			for j+3 <= len(text) {
				if text[j:j+3] == "```" {
					spans = append(spans, span{start, j + 3})
					i = j + 3
					closed = true
					break
				}
				j++
			}
			if !closed {
				spans = append(spans, span{start, len(text)})
				break
			}
			continue
		}
		i++
	}
	return spans
}

// findSplitPoint picks a break position at or before maxLen, preferring
// paragraph breaks, then line breaks, then sentence ends, then spaces.
func findSplitPoint(text string, maxLen int) int {
	if idx := lastIndexBefore(text, "\n\n", maxLen); idx >= maxLen/2 {
		return idx
	}
	if idx := lastIndexBefore(text, "\n", maxLen); idx >= maxLen/2 {
		return idx
	}
	// Sentence ends keep the punctuation with the leading chunk. CJK marks
	// are multi-byte, so the cut lands after the full rune.
	if idx, width := lastSentenceEnd(text, maxLen); idx >= maxLen/2 {
		return idx + width
	}
	if idx := lastIndexBefore(text, " ", maxLen); idx >= maxLen/3 {
		return idx
	}
	return maxLen
}

func lastIndexBefore(s, substr string, maxPos int) int {
	if maxPos > len(s) {
		maxPos = len(s)
	}
	return strings.LastIndex(s[:maxPos], substr)
}

func lastSentenceEnd(s string, maxPos int) (idx, width int) {
	idx = -1
	for _, mark := range []string{". ", "。", "！", "？"} {
		if pos := lastIndexBefore(s, mark, maxPos); pos > idx {
			idx = pos
			width = len(mark)
			if mark == ". " {
				width = 1 // keep the period, drop the space
			}
		}
	}
	return idx, width
}

// fenceOpen reports whether the chunk ends inside a fenced code block.
func fenceOpen(chunk string) bool {
	open := false
	for i := 0; i+3 <= len(chunk); i++ {
		if chunk[i:i+3] == "```" {
			open = !open
			i += 2
		}
	}
	return open
}

package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// politenessPrefixes are stripped from the front of a prompt before
// fingerprinting so "please show AAPL" and "show AAPL" share a cache entry.
var politenessPrefixes = []string{
	"please", "could you", "can you", "hey", "hi,",
}

// trailingWindowSize bounds how much conversation history participates in
// the fingerprint. Enough for multi-turn coherence; single-turn simple
// queries from different conversations still collide.
const trailingWindowSize = 6

// Fingerprint derives the cache key for one turn. Two turns share a key only
// when the normalized prompt, resolved model, system prompt, and trailing
// conversation window all match.
func Fingerprint(prompt, modelID, systemPrompt string, history []*entity.ChatMessage) string {
	sysSum := sha256.Sum256([]byte(systemPrompt))
	winSum := sha256.Sum256([]byte(trailingWindow(history)))

	h := sha256.New()
	h.Write([]byte(NormalizePrompt(prompt)))
	h.Write([]byte{'|'})
	h.Write([]byte(modelID))
	h.Write([]byte{'|'})
	h.Write(sysSum[:])
	h.Write([]byte{'|'})
	h.Write(winSum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePrompt lowercases, trims, collapses whitespace runs to single
// spaces, and strips leading politeness prefixes.
func NormalizePrompt(prompt string) string {
	s := strings.ToLower(strings.TrimSpace(prompt))
	s = strings.Join(strings.Fields(s), " ")

	for stripped := true; stripped; {
		stripped = false
		for _, p := range politenessPrefixes {
			if s == p || s == strings.TrimSuffix(p, ",") {
				return ""
			}
			if strings.HasPrefix(s, p+" ") || strings.HasPrefix(s, p+",") {
				s = strings.TrimLeft(s[len(p):], " ,")
				stripped = true
			}
		}
	}
	return s
}

func trailingWindow(history []*entity.ChatMessage) string {
	window := make([]*entity.ChatMessage, 0, trailingWindowSize)
	for _, m := range history {
		if m.Role == entity.RoleSystem {
			continue
		}
		window = append(window, m)
	}
	if len(window) > trailingWindowSize {
		window = window[len(window)-trailingWindowSize:]
	}

	var b strings.Builder
	for _, m := range window {
		b.WriteString(string(m.Role))
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const (
	loopWindow    = 8
	loopThreshold = 3
)

// loopGuard notices a model stuck re-issuing the same tool call. It keeps a
// short window of call signatures (tool name plus argument hash); once the
// last loopThreshold entries are identical the guard trips and the
// orchestrator stops offering tools, forcing the answer round early instead
// of burning the remaining budget on duplicate calls.
type loopGuard struct {
	window    []string
	size      int
	threshold int
}

func newLoopGuard(size, threshold int) *loopGuard {
	if threshold < 2 {
		threshold = 2
	}
	if size < threshold {
		size = threshold
	}
	return &loopGuard{
		window:    make([]string, 0, size),
		size:      size,
		threshold: threshold,
	}
}

// record adds one call and reports whether the repetition threshold is hit.
// json.Marshal sorts map keys, so argument order never splits a signature.
func (g *loopGuard) record(name string, args map[string]interface{}) bool {
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(raw)
	sig := name + ":" + hex.EncodeToString(sum[:8])

	g.window = append(g.window, sig)
	if len(g.window) > g.size {
		g.window = g.window[1:]
	}
	if len(g.window) < g.threshold {
		return false
	}
	tail := g.window[len(g.window)-g.threshold:]
	for _, s := range tail[1:] {
		if s != tail[0] {
			return false
		}
	}
	return true
}

package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// conversation is one id's bounded transcript plus its last-touched time.
type conversation struct {
	messages []*entity.ChatMessage
	touched  time.Time
}

// ConversationStore is the process-local transcript map: conversation id →
// bounded message window. Every append re-applies the truncation policy so
// retrieval is O(1) over an already-bounded window.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxTokens     int
	ttl           time.Duration
	logger        *zap.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewConversationStore builds a store bounded to maxTokens per window with
// idle-conversation eviction after ttl.
func NewConversationStore(maxTokens int, ttl time.Duration, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		conversations: make(map[string]*conversation),
		maxTokens:     maxTokens,
		ttl:           ttl,
		logger:        logger,
		stopSweep:     make(chan struct{}),
	}
}

// StartSweeper begins periodic eviction of idle conversations. Lazy expiry
// on access still applies; the sweeper just reclaims memory for ids never
// touched again.
func (s *ConversationStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (s *ConversationStore) Stop() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *ConversationStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, c := range s.conversations {
		if time.Since(c.touched) > s.ttl {
			delete(s.conversations, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("Swept idle conversations",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(s.conversations)),
		)
	}
}

// Append stores messages for the conversation and re-applies the truncation
// policy. Assistant messages and the tool messages answering them are
// appended in one call so truncation can keep them atomic.
func (s *ConversationStore) Append(conversationID string, messages ...*entity.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if ok && time.Since(c.touched) > s.ttl {
		c = nil
		ok = false
	}
	if !ok {
		c = &conversation{}
		s.conversations[conversationID] = c
	}

	c.messages = append(c.messages, messages...)
	c.messages = truncateWindow(c.messages, s.maxTokens)
	c.touched = time.Now()
}

// Window returns a copy of the message window for the conversation. A
// missing or expired id yields an empty window, not an error: the next turn
// simply starts fresh.
func (s *ConversationStore) Window(conversationID string) []*entity.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || time.Since(c.touched) > s.ttl {
		return nil
	}
	out := make([]*entity.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Clear removes the conversation. Clearing an unknown id is an error so
// callers can distinguish "reset" from "nothing there".
func (s *ConversationStore) Clear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "conversation not found")
	}
	delete(s.conversations, conversationID)
	return nil
}

// Len returns the number of live conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// truncateWindow applies the token budget. System messages and the final
// user message always survive. Everything between is dropped oldest-first in
// whole turns: an assistant message and the tool messages that answer it go
// together, so a tool message is never orphaned from its call.
func truncateWindow(messages []*entity.ChatMessage, maxTokens int) []*entity.ChatMessage {
	total := 0
	for _, m := range messages {
		total += m.TokenEstimate()
	}
	if total <= maxTokens {
		return messages
	}

	// Locate the final user message: it survives regardless of budget.
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleUser {
			lastUser = i
			break
		}
	}

	var system []*entity.ChatMessage
	var middle []*entity.ChatMessage
	var final *entity.ChatMessage
	for i, m := range messages {
		switch {
		case m.Role == entity.RoleSystem:
			system = append(system, m)
		case i == lastUser:
			final = m
		default:
			middle = append(middle, m)
		}
	}

	budget := maxTokens
	for _, m := range system {
		budget -= m.TokenEstimate()
	}
	if final != nil {
		budget -= final.TokenEstimate()
	}

	// Split the middle into turns. A turn starts at a user message or at an
	// assistant message not answering the previous turn; tool messages stay
	// attached to the assistant call that requested them.
	turns := splitTurns(middle)

	// Keep newest turns that fit.
	kept := make([][]*entity.ChatMessage, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		cost := 0
		for _, m := range turns[i] {
			cost += m.TokenEstimate()
		}
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, turns[i])
	}

	out := make([]*entity.ChatMessage, 0, len(messages))
	out = append(out, system...)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i]...)
	}
	if final != nil {
		out = append(out, final)
	}
	return out
}

func splitTurns(messages []*entity.ChatMessage) [][]*entity.ChatMessage {
	var turns [][]*entity.ChatMessage
	var current []*entity.ChatMessage

	flush := func() {
		if len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case entity.RoleUser:
			flush()
			current = append(current, m)
		case entity.RoleAssistant:
			// An assistant reply continues the current turn; a bare
			// assistant message with no leading user starts one.
			current = append(current, m)
		case entity.RoleTool:
			// Never split a tool result from its call.
			current = append(current, m)
		default:
			current = append(current, m)
		}
	}
	flush()
	return turns
}

package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

func TestConversationStoreAppendWindow(t *testing.T) {
	s := NewConversationStore(6000, time.Hour, testLogger())

	s.Append("c1", entity.NewUserMessage("what is AAPL at"))
	s.Append("c1", entity.NewAssistantMessage("AAPL is at 185.", nil))

	win := s.Window("c1")
	if len(win) != 2 {
		t.Fatalf("window len = %d, want 2", len(win))
	}
	if win[0].Role != entity.RoleUser || win[1].Role != entity.RoleAssistant {
		t.Errorf("window roles = %s, %s", win[0].Role, win[1].Role)
	}

	// Window returns a copy: appending must not mutate a held slice.
	s.Append("c1", entity.NewUserMessage("and TSLA?"))
	if len(win) != 2 {
		t.Error("previously returned window was mutated")
	}
}

func TestConversationStoreUnknownWindowEmpty(t *testing.T) {
	s := NewConversationStore(6000, time.Hour, testLogger())
	if win := s.Window("nope"); win != nil {
		t.Errorf("unknown conversation window = %v, want nil", win)
	}
}

func TestConversationStoreClear(t *testing.T) {
	s := NewConversationStore(6000, time.Hour, testLogger())
	s.Append("c1", entity.NewUserMessage("hi"))

	if err := s.Clear("c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", s.Len())
	}

	err := s.Clear("c1")
	if err == nil {
		t.Fatal("clearing a missing conversation should fail")
	}
	if !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("Clear error kind = %v, want NotFound", apperrors.KindOf(err))
	}
}

func TestConversationStoreTruncationPreservesSystemAndFinalUser(t *testing.T) {
	// Budget small enough that old turns must fall off.
	s := NewConversationStore(200, time.Hour, testLogger())

	long := strings.Repeat("history padding ", 40) // ~215 tokens
	s.Append("c1", entity.NewSystemMessage("you are a stock assistant"))
	s.Append("c1", entity.NewUserMessage(long))
	s.Append("c1", entity.NewAssistantMessage(long, nil))
	s.Append("c1", entity.NewUserMessage("final question about NVDA"))

	win := s.Window("c1")

	var roles []entity.Role
	for _, m := range win {
		roles = append(roles, m.Role)
	}

	if len(win) == 0 || win[0].Role != entity.RoleSystem {
		t.Fatalf("system message must survive truncation, roles = %v", roles)
	}
	last := win[len(win)-1]
	if last.Role != entity.RoleUser || last.Content != "final question about NVDA" {
		t.Fatalf("final user message must survive truncation, roles = %v", roles)
	}
	for _, m := range win {
		if m.Content == long {
			t.Error("oversized old turn should have been dropped")
		}
	}
}

func TestConversationStoreTruncationKeepsToolPairsAtomic(t *testing.T) {
	s := NewConversationStore(120, time.Hour, testLogger())

	pad := strings.Repeat("x", 150) // ~54 tokens per message
	call := []entity.ToolCallRequest{{ID: "t1", Name: "get_stock_quote"}}

	// One old turn: user + assistant(tool call) + tool result.
	s.Append("c1", entity.NewUserMessage(pad))
	s.Append("c1",
		entity.NewAssistantMessage("", call),
		entity.NewToolMessage("t1", "get_stock_quote", pad),
	)
	s.Append("c1", entity.NewUserMessage("latest question"))

	win := s.Window("c1")
	for i, m := range win {
		if m.Role == entity.RoleTool {
			if i == 0 || !win[i-1].IsToolCall() {
				t.Fatal("tool message orphaned from its assistant call")
			}
		}
	}
}

func TestConversationStoreTTLEviction(t *testing.T) {
	s := NewConversationStore(6000, 20*time.Millisecond, testLogger())
	s.Append("c1", entity.NewUserMessage("hello"))

	time.Sleep(30 * time.Millisecond)

	if win := s.Window("c1"); win != nil {
		t.Error("expired conversation should read as empty")
	}

	// Appending after expiry starts a fresh transcript.
	s.Append("c1", entity.NewUserMessage("fresh start"))
	win := s.Window("c1")
	if len(win) != 1 || win[0].Content != "fresh start" {
		t.Errorf("window after expiry = %v", win)
	}
}

func TestConversationStoreSweeper(t *testing.T) {
	s := NewConversationStore(6000, 10*time.Millisecond, testLogger())
	defer s.Stop()

	s.Append("c1", entity.NewUserMessage("hello"))
	s.StartSweeper(5 * time.Millisecond)

	deadline := time.After(time.Second)
	for s.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted the idle conversation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

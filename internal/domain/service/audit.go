package service

import "github.com/stocksage/stocksage/gateway/internal/domain/entity"

// TurnRow is one append-only usage record: who asked, which tools ran, what
// the model answered. Tokens and Model are filled on assistant rows only.
type TurnRow struct {
	UserID         string
	ConversationID string
	Role           entity.Role
	ToolName       string
	Tokens         int
	Model          string
}

// TurnAuditor receives usage rows as turns progress. Implementations must
// not block: the orchestrator calls them on the request path and moves on.
type TurnAuditor interface {
	Record(rows ...TurnRow)
}

type nopTurnAuditor struct{}

func (nopTurnAuditor) Record(...TurnRow) {}

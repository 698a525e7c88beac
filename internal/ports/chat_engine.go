package ports

import (
	"context"

	"github.com/bnema/chatsession/internal/domain"
)

// SendRequest posts a message to the rate-limited engine. An empty
// ConversationID opens a new remote conversation.
type SendRequest struct {
	Account        string
	Text           string
	ConversationID string
	ParentID       string
}

// HistoryNode is the current node of a remote conversation tree.
type HistoryNode struct {
	ID       string
	ParentID string
	Author   domain.Sender
}

// ChatEngine is the rate-limited web engine. Non-2xx answers are returned
// as *domain.UpstreamError; transport failures as plain errors.
type ChatEngine interface {
	ListAccounts(ctx context.Context, level int) ([]domain.AccountInfo, error)
	Send(ctx context.Context, req SendRequest) (string, error)
	Poll(ctx context.Context, inFlightID string, stop bool) (domain.Reply, error)
	SetTitle(ctx context.Context, account, conversationID, title string) error
	Delete(ctx context.Context, account, conversationID string) error
	BumpLoad(ctx context.Context, account string, delta int) error
	History(ctx context.Context, account, conversationID string) (HistoryNode, error)
}

// HostedEngine completes a role-tagged transcript in one call.
type HostedEngine interface {
	Complete(ctx context.Context, turns []domain.Turn) (string, error)
}

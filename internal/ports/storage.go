package ports

import (
	"context"

	"github.com/bnema/chatsession/internal/domain"
)

// ConversationStore persists the live conversation of one session.
// Load returns domain.ErrNotFound when nothing has been saved yet.
type ConversationStore interface {
	Load(ctx context.Context) (*domain.Conversation, error)
	Save(ctx context.Context, conversation *domain.Conversation) error
	Replace(ctx context.Context, conversation *domain.Conversation) error
	LoadRemark(ctx context.Context) (map[string]string, error)
	SaveRemark(ctx context.Context, remark map[string]string) error
}

type SessionRepository interface {
	List(ctx context.Context) ([]domain.SessionIndex, []error)
	Create(ctx context.Context, index domain.SessionIndex) error
	SaveIndex(ctx context.Context, index domain.SessionIndex) error
	Archive(ctx context.Context, id string) (string, error)
	Store(id string) ConversationStore
}

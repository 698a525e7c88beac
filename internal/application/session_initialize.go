package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
)

// create starts the first conversation of a session from its template.
func (s *Session) create(ctx context.Context) (Command, error) {
	conv := domain.NewConversation(s.tmpl.Create(s.params()), "", "")
	conv.Pointer = domain.EnginePointer{
		Level:  s.level(),
		Title:  s.ID(),
		Status: domain.StatusUninitialized,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, conv); err != nil {
		return CmdNone, fmt.Errorf("save conversation: %w", err)
	}
	s.publishLocked(conv)
	return CmdSend, nil
}

// replace opens a new epoch seeded with the memo and a short recent
// history once the old remote conversation has been cleaned.
func (s *Session) replace(ctx context.Context) (Command, error) {
	err := s.replaceWith(ctx, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if cur.Pointer.Memo == "" {
			return nil, fmt.Errorf("replace without memo: %w", errInvariant)
		}
		return s.newEpoch(cur, cur.Pointer.Memo, cur.Messages, domain.StatusUninitialized), nil
	})
	if err != nil {
		return CmdNone, err
	}
	return CmdInherit, nil
}

// breakOff abandons the remote conversation after its engine turned the
// session away. The trailing user message, if any, is held back and
// replayed once the new conversation is up.
func (s *Session) breakOff(ctx context.Context) (Command, error) {
	s.logger.Warn("breaking off remote conversation")

	err := s.replaceWith(ctx, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if len(cur.Messages) == 0 {
			return nil, fmt.Errorf("break without messages: %w", errInvariant)
		}
		broken := cur.PopTrailingUser()
		memo := cur.Memo
		if memo == "" {
			memo = domain.EmptyMemo()
		}
		next := s.newEpoch(cur, memo, cur.Messages, domain.StatusBreak)
		if broken != nil {
			next.BreakMessage = broken
		}
		return next, nil
	})
	if err != nil {
		return CmdNone, err
	}
	return CmdBreak, nil
}

func (s *Session) newEpoch(cur *domain.Conversation, memo string, messages []domain.Message, status domain.PointerStatus) *domain.Conversation {
	next := seedEpoch(s.tmpl, s.params(), s.level(), s.ID(), memo, messages, status)
	if cur.QueueMessage != nil {
		queued := cur.QueueMessage.Clone()
		next.QueueMessage = &queued
	}
	if cur.BreakMessage != nil {
		broken := cur.BreakMessage.Clone()
		next.BreakMessage = &broken
	}
	return next
}

// seedEpoch builds a conversation whose guide carries memo and the recent
// history compiled from messages. Retained messages are marked inherited.
func seedEpoch(tmpl ports.Template, params map[string]string, level int, title, memo string, messages []domain.Message, status domain.PointerStatus) *domain.Conversation {
	history, retained := tmpl.CompileHistory(messages, params)

	next := domain.NewConversation(tmpl.Inherit(params, memo, history), memo, history)
	for _, m := range retained {
		m = m.Clone()
		if m.Remark == nil {
			m.Remark = map[string]string{}
		}
		m.Remark[domain.RemarkInherit] = "true"
		next.AppendMessage(m)
	}
	next.Pointer = domain.EnginePointer{
		Level:  level,
		Title:  title,
		Status: status,
	}
	return next
}

// onInherit opens the remote conversation of a new epoch with its guide.
// It serves both INHERIT and BREAK; after a break the held back user
// message is sent next.
func (s *Session) onInherit(ctx context.Context) (Command, error) {
	var (
		conv  *domain.Conversation
		reply string
	)
	for {
		var err error
		conv, reply, err = s.assignAndSend(ctx, nil)
		if err == nil {
			break
		}

		switch {
		case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrServerIsBusy):
			s.logger.Warn("handshake rejected upstream, retrying", "error", err)
			if err := s.unassign(ctx); err != nil {
				return CmdNone, err
			}
			if err := s.scheduler.sleep(ctx, busyRetryDelay); err != nil {
				return CmdNone, err
			}
		case errors.Is(err, domain.ErrTooLarge):
			if err := s.shrinkEpoch(ctx); err != nil {
				return CmdNone, err
			}
		default:
			return CmdNone, err
		}
	}

	kind := conv.Pointer.Engine
	var (
		id      = s.newID()
		content = reply
		remote  domain.Reply
	)
	if kind == domain.EngineRateLimited {
		var err error
		remote, err = s.awaitReply(ctx, reply, nil)
		if err != nil {
			return CmdNone, err
		}
		id = remote.MessageID
		content = remote.Content
	}

	next := CmdNone
	err := s.update(ctx, func(c *domain.Conversation) error {
		if kind == domain.EngineRateLimited {
			c.Pointer.ConversationID = remote.ConversationID
			c.Pointer.ReplyID = remote.MessageID
			c.Pointer.InFlightID = ""
		}
		c.Pointer.AIIndex = len(c.Messages)
		c.AppendMessage(domain.NewMessage(id, domain.SenderAI, content, map[string]string{domain.RemarkHandshake: "true"}))
		if c.Tokens >= domain.InheritCeilingTokens {
			return fmt.Errorf("inherited conversation holds %d tokens: %w", c.Tokens, errInvariant)
		}

		recovering := c.Pointer.Status == domain.StatusBreak
		c.Pointer.Status = domain.StatusIdle
		if recovering && c.BreakMessage != nil {
			c.AppendMessage(*c.BreakMessage)
			c.BreakMessage = nil
			next = CmdSend
		}
		return nil
	})
	if err != nil {
		return CmdNone, err
	}
	return next, nil
}

// shrinkEpoch rebuilds an epoch whose guide was refused as too large:
// first with a pruned memo, then without recent history.
func (s *Session) shrinkEpoch(ctx context.Context) error {
	return s.replaceWith(ctx, func(cur *domain.Conversation) (*domain.Conversation, error) {
		memo := domain.PruneMemo(cur.Memo, domain.MemoTargetTokens)
		messages := cur.Messages
		switch {
		case memo != cur.Memo:
			s.logger.Warn("guide too large, pruning memo")
		case len(messages) > 0:
			s.logger.Warn("guide too large, dropping recent history")
			messages = nil
		default:
			return nil, fmt.Errorf("guide cannot shrink further: %w", domain.ErrTooLarge)
		}

		return s.newEpoch(cur, memo, messages, cur.Pointer.Status), nil
	})
}

package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/token"
)

const maxMergeRounds = 4

// onSummarize asks the conversation's own engine for a memo of it. The
// first memo of a session is final; later ones are merged into the memo
// carried over from earlier epochs.
func (s *Session) onSummarize(ctx context.Context) (Command, error) {
	prompt := s.tmpl.Summary(s.params())

	var (
		conv  *domain.Conversation
		reply string
	)
	for {
		var err error
		conv, reply, err = s.assignAndSend(ctx, func(c *domain.Conversation) {
			c.Pointer.Prompt = prompt
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrServerIsBusy) {
			s.logger.Warn("summary rejected upstream", "error", err)
			if err := s.unassign(ctx); err != nil {
				return CmdNone, err
			}
			return s.breakOff(ctx)
		}
		return CmdNone, err
	}

	content := reply
	if conv.Pointer.Engine == domain.EngineRateLimited {
		remote, err := s.awaitReply(ctx, reply, nil)
		if err != nil {
			return CmdNone, err
		}
		content = remote.Content
		if err := s.update(ctx, func(c *domain.Conversation) error {
			c.Pointer.ConversationID = remote.ConversationID
			c.Pointer.ReplyID = remote.MessageID
			c.Pointer.InFlightID = ""
			return nil
		}); err != nil {
			return CmdNone, err
		}
	}

	memo := domain.FenceMemo(content)
	if conv.Memo == "" {
		if err := s.update(ctx, func(c *domain.Conversation) error {
			c.Pointer.Memo = memo
			c.Pointer.Status = domain.StatusMerged
			return nil
		}); err != nil {
			return CmdNone, err
		}
		return CmdClean, nil
	}

	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Summary = memo
		c.Pointer.Status = domain.StatusSummarized
		return nil
	}); err != nil {
		return CmdNone, err
	}
	return CmdMerge, nil
}

// onMerge folds the epoch summary into the carried memo through a one-shot
// request. An oversized request prunes summary and memo and tries again;
// when pruning stops helping the pruned summary becomes the memo.
func (s *Session) onMerge(ctx context.Context) (Command, error) {
	conv := s.snapshot()
	if conv == nil || conv.Pointer.Summary == "" {
		return CmdNone, fmt.Errorf("merge without summary: %w", errInvariant)
	}

	prompt := s.tmpl.Merge(s.params(), conv.Memo, conv.Pointer.Summary)
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Prompt = prompt
		return nil
	}); err != nil {
		return CmdNone, err
	}

	reply, err := s.scheduler.SendAway(ctx, prompt, s.level())
	if errors.Is(err, domain.ErrTooLarge) {
		return s.pruneForMerge(ctx, conv)
	}
	if err != nil {
		return CmdNone, err
	}

	s.mergeRounds = 0
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Memo = domain.FenceMemo(reply)
		c.Pointer.Status = domain.StatusMerged
		return nil
	}); err != nil {
		return CmdNone, err
	}
	return CmdClean, nil
}

func (s *Session) pruneForMerge(ctx context.Context, conv *domain.Conversation) (Command, error) {
	s.mergeRounds++
	summary := domain.PruneMemo(conv.Pointer.Summary, domain.MemoTargetTokens)
	memo := conv.Memo
	if token.Len(summary+memo) > domain.MergeInputTokens {
		memo = domain.PruneMemo(memo, domain.MemoTargetTokens)
	}

	stalled := summary == conv.Pointer.Summary && memo == conv.Memo
	if stalled || s.mergeRounds >= maxMergeRounds {
		s.logger.Warn("merge still too large, keeping pruned summary as memo", "rounds", s.mergeRounds)
		s.mergeRounds = 0
		if err := s.update(ctx, func(c *domain.Conversation) error {
			c.Pointer.Memo = summary
			c.Pointer.Status = domain.StatusMerged
			return nil
		}); err != nil {
			return CmdNone, err
		}
		return CmdClean, nil
	}

	s.logger.Warn("merge too large, pruning", "round", s.mergeRounds)
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Summary = summary
		c.Memo = memo
		return nil
	}); err != nil {
		return CmdNone, err
	}
	return CmdMerge, nil
}

// onClean drops the remote conversation the memo now stands for.
func (s *Session) onClean(ctx context.Context) (Command, error) {
	conv := s.snapshot()
	if conv == nil || conv.Pointer.Memo == "" {
		return CmdNone, fmt.Errorf("clean without memo: %w", errInvariant)
	}

	if err := s.scheduler.Clean(ctx, conv.Pointer); err != nil {
		return CmdNone, err
	}
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Status = domain.StatusCleaned
		return nil
	}); err != nil {
		return CmdNone, err
	}
	return CmdReplace, nil
}

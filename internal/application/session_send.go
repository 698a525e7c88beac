package application

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/token"
)

const busyRetryDelay = time.Second

// AppendMsg adds a user message. On an idle session it is sent right away;
// while the worker is busy it waits as the queued message until the worker
// settles. Only one message can wait at a time.
func (s *Session) AppendMsg(ctx context.Context, text string, remark map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := token.Len(text); n > domain.MaxMessageTokens {
		return fmt.Errorf("message too long: %d > %d: %w", n, domain.MaxMessageTokens, domain.ErrTooLarge)
	}

	msg := s.compileUserMessage(text, remark)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return fmt.Errorf("session %q is closed: %w", s.ID(), domain.ErrNotAcceptable)
	}

	s.mu.RLock()
	conv := s.current
	s.mu.RUnlock()

	switch {
	case conv == nil:
		return fmt.Errorf("session %q has no conversation yet: %w", s.ID(), domain.ErrNotAcceptable)
	case conv.QueueMessage != nil:
		return fmt.Errorf("session %q already has a queued message: %w", s.ID(), domain.ErrNotAcceptable)
	}

	if s.state == StateIdle && conv.Pointer.Status == domain.StatusIdle && conv.LastSender() != domain.SenderUser {
		if err := s.update(ctx, func(c *domain.Conversation) error {
			c.AppendMessage(msg)
			return nil
		}); err != nil {
			return err
		}
		return s.issueLocked(CmdSend)
	}

	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.QueueMessage = &msg
		return nil
	}); err != nil {
		return err
	}
	s.logger.Info("message queued", "state", s.state, "status", conv.Pointer.Status)

	// A parked worker is nudged so the queue drains once the conversation
	// is back to idle.
	if s.state == StateIdle {
		return s.issueLocked(CmdReload)
	}
	return nil
}

func (s *Session) compileUserMessage(text string, remark map[string]string) domain.Message {
	remark = maps.Clone(remark)
	if remark == nil {
		remark = map[string]string{}
	}
	remark[domain.RemarkRaw] = text

	msg := domain.NewMessage(s.newID(), domain.SenderUser, text, remark)
	msg.Content = s.tmpl.CompileMessage(msg)
	if msg.Content == "" {
		msg.Remark[domain.RemarkClassifyPrompt] = s.tmpl.ClassifyMessage(msg)
	}
	msg.Tokens = token.Len(msg.Content)
	return msg
}

// Get returns the latest reply. With stop, a running generation is asked
// to stop and Get waits for the worker to acknowledge.
func (s *Session) Get(ctx context.Context, stop bool) (domain.Reply, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reply{}, err
	}

	if stop {
		s.stateMu.Lock()
		if s.state == StateGenerating {
			s.setStateLocked(StateStopping)
		}
		s.stateMu.Unlock()

		if _, err := s.waitState(ctx, func(state State) bool { return state != StateStopping }); err != nil {
			return domain.Reply{}, err
		}
	}

	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()

	conv := s.snapshot()
	if conv == nil || state == StateInitializing {
		return domain.Reply{}, nil
	}

	if conv.Pointer.Engine == domain.EngineRateLimited && !conv.Pointer.Resolved() {
		return s.scheduler.Get(ctx, conv.Pointer, false)
	}
	return latestReply(conv), nil
}

// latestReply reads the last AI answer from memory. Handshake replies are
// not answers.
func latestReply(conv *domain.Conversation) domain.Reply {
	if conv.Pointer.Status == domain.StatusUninitialized {
		return domain.Reply{}
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Flag(domain.RemarkHandshake) {
			continue
		}
		if m.Sender != domain.SenderAI {
			return domain.Reply{}
		}
		return domain.Reply{
			ConversationID: conv.Pointer.ConversationID,
			MessageID:      m.ID,
			Content:        m.Content,
			Complete:       true,
		}
	}
	return domain.Reply{Complete: true}
}

// onSend serves SEND: the guide of a fresh conversation or the trailing
// user message of an idle one.
func (s *Session) onSend(ctx context.Context) (Command, error) {
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
			s.logger.Warn("send rejected upstream", "error", err, "status", conv.Pointer.Status)
			if err := s.unassign(ctx); err != nil {
				return CmdNone, err
			}
			if conv.Pointer.Status == domain.StatusUninitialized {
				if err := s.scheduler.sleep(ctx, busyRetryDelay); err != nil {
					return CmdNone, err
				}
				continue
			}
			return s.breakOff(ctx)
		case errors.Is(err, domain.ErrTooLarge) && conv.Pointer.Status == domain.StatusIdle:
			s.logger.Error("message rejected as too large, dropping it", "error", err)
			return CmdNone, s.update(ctx, func(c *domain.Conversation) error {
				c.PopTrailingUser()
				return nil
			})
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
		remote, err = s.awaitReply(ctx, reply, s.stopping)
		if err != nil {
			return CmdNone, err
		}
		id = remote.MessageID
		content = remote.Content
	}

	full := false
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.AIIndex = len(c.Messages)
		if kind == domain.EngineRateLimited {
			c.Pointer.ConversationID = remote.ConversationID
			c.Pointer.ReplyID = remote.MessageID
			c.Pointer.InFlightID = ""
		}
		c.AppendMessage(domain.NewMessage(id, domain.SenderAI, content, nil))
		c.Pointer.Status = domain.StatusIdle
		if c.Tokens >= domain.FullTokens(kind) {
			c.Pointer.Status = domain.StatusFulled
			full = true
		}
		return nil
	}); err != nil {
		return CmdNone, err
	}

	if full {
		return CmdSummarize, nil
	}
	return CmdNone, nil
}

// assignAndSend evaluates the engine for the live conversation, records
// the assignment, and sends. prepare may adjust the conversation before it
// is sent.
func (s *Session) assignAndSend(ctx context.Context, prepare func(*domain.Conversation)) (*domain.Conversation, string, error) {
	conv := s.snapshot()
	if conv == nil {
		return nil, "", fmt.Errorf("send: no conversation: %w", errInvariant)
	}

	kind, account, err := s.scheduler.Evaluate(ctx, conv.Pointer)
	if err != nil {
		return conv, "", err
	}
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Engine = kind
		c.Pointer.Account = account
		if prepare != nil {
			prepare(c)
		}
		return nil
	}); err != nil {
		return conv, "", err
	}

	conv = s.snapshot()
	s.logger.Info("engine selected", "engine", kind.Label(), "account", account, "status", conv.Pointer.Status)
	reply, err := s.scheduler.Send(ctx, conv)
	return conv, reply, err
}

// awaitReply records the in-flight id then polls it to completion.
func (s *Session) awaitReply(ctx context.Context, inFlightID string, stopping func() bool) (domain.Reply, error) {
	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.InFlightID = inFlightID
		return nil
	}); err != nil {
		return domain.Reply{}, err
	}
	return s.scheduler.Await(ctx, inFlightID, stopping)
}

func (s *Session) unassign(ctx context.Context) error {
	return s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Unassign()
		return nil
	})
}

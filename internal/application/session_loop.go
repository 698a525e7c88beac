package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/chatsession/internal/domain"
)

func (s *Session) run(ctx context.Context, first Command) {
	defer func() {
		s.stateMu.Lock()
		s.closed = true
		s.setStateLocked(StateIdle)
		s.stateMu.Unlock()
		close(s.done)
	}()

	cmd := first
	for {
		for cmd != CmdNone {
			if cmd == CmdExit || ctx.Err() != nil {
				return
			}
			cmd = s.dispatch(ctx, cmd)
			if cmd == CmdNone && ctx.Err() == nil {
				cmd = s.settle(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return
		case cmd = <-s.commands:
			s.logger.Info("command received", "command", cmd)
		}
	}
}

// dispatch runs the handler of cmd under the worker retry policy and
// returns the command it chains into. A handler that keeps failing parks
// the session.
func (s *Session) dispatch(ctx context.Context, cmd Command) Command {
	handler := s.handler(cmd)
	if handler == nil {
		s.logger.Error("no handler for command", "command", cmd)
		return CmdNone
	}
	s.enter(cmd)

	started := time.Now()
	s.logger.Info("command started", "command", cmd)

	next := CmdNone
	err := retryWorker(ctx, s.newBackOff(), func() error {
		n, err := handler(ctx)
		if err != nil {
			return err
		}
		next = n
		return nil
	}, func(err error, wait time.Duration) {
		s.logger.Warn("command failed, retrying", "command", cmd, "error", err, "wait", wait)
	})
	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("command failed", "command", cmd, "error", err)
		}
		s.recorder.CommandFinished(cmd.String(), "failed", elapsed)
		return CmdNone
	}

	s.recorder.CommandFinished(cmd.String(), "ok", elapsed)
	s.logger.Info("command finished", "command", cmd, "next", next, "elapsed", elapsed)
	return next
}

func (s *Session) handler(cmd Command) func(context.Context) (Command, error) {
	switch cmd {
	case CmdReload:
		return s.boot
	case CmdCreate:
		return s.create
	case CmdSend:
		return s.onSend
	case CmdSummarize:
		return s.onSummarize
	case CmdMerge:
		return s.onMerge
	case CmdClean:
		return s.onClean
	case CmdReplace:
		return s.replace
	case CmdInherit, CmdBreak:
		return s.onInherit
	default:
		return nil
	}
}

// enter moves the worker into the state cmd runs in. Only a chat turn on
// an idle pointer can be interrupted.
func (s *Session) enter(cmd Command) {
	want := StateInitializing
	if cmd == CmdSend {
		s.mu.RLock()
		if s.current != nil && s.current.Pointer.Status == domain.StatusIdle {
			want = StateGenerating
		}
		s.mu.RUnlock()
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if want == StateGenerating && s.state == StateStopping {
		return
	}
	if s.state != want {
		s.setStateLocked(want)
	}
}

// settle runs when a command chain ends: a queued message is delivered,
// otherwise the worker goes idle.
func (s *Session) settle(ctx context.Context) Command {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.mu.RLock()
	conv := s.current
	s.mu.RUnlock()

	if conv != nil && conv.QueueMessage != nil &&
		conv.Pointer.Status == domain.StatusIdle && conv.LastSender() != domain.SenderUser {
		err := s.update(ctx, func(c *domain.Conversation) error {
			queued := *c.QueueMessage
			c.QueueMessage = nil
			c.AppendMessage(queued)
			return nil
		})
		if err == nil {
			s.logger.Info("delivering queued message")
			s.setStateLocked(StateGenerating)
			return CmdSend
		}
		s.logger.Error("deliver queued message", "error", err)
	}

	s.setStateLocked(StateIdle)
	return CmdNone
}

// issueLocked hands cmd to the idle actor. Callers hold stateMu and have
// checked the worker is idle.
func (s *Session) issueLocked(cmd Command) error {
	state := StateInitializing
	if cmd == CmdSend {
		state = StateGenerating
	}
	select {
	case s.commands <- cmd:
	default:
		return fmt.Errorf("issue %s: a command is already pending: %w", cmd, domain.ErrNotAcceptable)
	}
	s.setStateLocked(state)
	return nil
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	s.seenState.Store(int32(state))
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) waitState(ctx context.Context, done func(State) bool) (State, error) {
	for {
		s.stateMu.Lock()
		state, changed := s.state, s.changed
		s.stateMu.Unlock()

		if done(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Session) stopping() bool {
	return State(s.seenState.Load()) == StateStopping
}

func (s *Session) snapshot() *domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// update applies fn to a copy of the live conversation, saves the copy and
// only then publishes it to readers.
func (s *Session) update(ctx context.Context, fn func(*domain.Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return fmt.Errorf("update conversation: no conversation: %w", errInvariant)
	}
	next := s.current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	s.publishLocked(next)
	return nil
}

// publishLocked makes conv the live conversation. Callers hold mu.
func (s *Session) publishLocked(conv *domain.Conversation) {
	s.current = conv
	tokens := 0
	if conv != nil {
		tokens = conv.Tokens
	}
	s.seenTokens.Store(int64(tokens))
}

// replaceWith builds a new conversation from the live one, archives the
// old one and publishes the new one.
func (s *Session) replaceWith(ctx context.Context, build func(*domain.Conversation) (*domain.Conversation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return fmt.Errorf("replace conversation: no conversation: %w", errInvariant)
	}
	next, err := build(s.current.Clone())
	if err != nil {
		return err
	}
	if err := s.store.Replace(ctx, next); err != nil {
		return fmt.Errorf("replace conversation: %w", err)
	}
	s.publishLocked(next)
	return nil
}

// boot loads the stored conversation and picks the command that resumes it.
func (s *Session) boot(ctx context.Context) (Command, error) {
	s.mergeRounds = 0

	conv, err := s.store.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		s.mu.Lock()
		s.publishLocked(nil)
		s.mu.Unlock()
		return CmdCreate, nil
	}
	if err != nil {
		return CmdNone, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.TokensConsistent() {
		s.logger.Warn("stored token count is stale, recounting", "stored", conv.Tokens)
		conv.Recount()
	}

	s.mu.Lock()
	s.publishLocked(conv)
	s.mu.Unlock()

	next := resumeCommand(conv)
	s.logger.Info("conversation loaded", "status", conv.Pointer.Status, "tokens", conv.Tokens, "next", next)
	return next, nil
}

// resumeCommand maps a stored conversation to the command that carries it
// forward.
func resumeCommand(c *domain.Conversation) Command {
	if c == nil {
		return CmdCreate
	}

	switch c.Pointer.Status {
	case domain.StatusFulled:
		return CmdSummarize
	case domain.StatusSummarized:
		if c.Pointer.Memo != "" {
			return CmdClean
		}
		return CmdMerge
	case domain.StatusMerged:
		return CmdClean
	case domain.StatusCleaned:
		return CmdReplace
	case domain.StatusUninitialized:
		if c.Memo != "" {
			return CmdInherit
		}
		return CmdSend
	case domain.StatusBreak:
		return CmdBreak
	}

	if c.LastSender() == domain.SenderUser {
		return CmdSend
	}
	return CmdNone
}

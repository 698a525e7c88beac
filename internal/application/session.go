package application

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// State is what the session worker is doing right now.
type State int

const (
	StateIdle State = iota
	// StateGenerating is an interruptible reply generation.
	StateGenerating
	StateInitializing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateInitializing:
		return "initializing"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Command int

const (
	CmdNone Command = iota
	CmdCreate
	CmdSend
	CmdSummarize
	CmdMerge
	CmdInherit
	CmdClean
	CmdBreak
	CmdReplace
	CmdReload
	CmdExit
)

var commandNames = map[Command]string{
	CmdNone:      "none",
	CmdCreate:    "create",
	CmdSend:      "send",
	CmdSummarize: "summarize",
	CmdMerge:     "merge",
	CmdInherit:   "inherit",
	CmdClean:     "clean",
	CmdBreak:     "break",
	CmdReplace:   "replace",
	CmdReload:    "reload",
	CmdExit:      "exit",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Session owns one conversation memory and the actor goroutine that drives
// it through its commands. Reads never wait for the actor.
type Session struct {
	tmpl       ports.Template
	repo       ports.SessionRepository
	store      ports.ConversationStore
	scheduler  *Scheduler
	logger     *slog.Logger
	recorder   ports.Recorder
	newBackOff func() backoff.BackOff
	newID      func() string

	indexMu sync.RWMutex
	index   domain.SessionIndex

	// mu guards current. Take stateMu first when both are needed.
	mu      sync.RWMutex
	current *domain.Conversation

	stateMu sync.Mutex
	state   State
	changed chan struct{}
	closed  bool

	commands  chan Command
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// Published copies of state and current.Tokens so Status never waits
	// on a save in progress.
	seenState  atomic.Int32
	seenTokens atomic.Int64

	mergeRounds int
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSessionRecorder(recorder ports.Recorder) SessionOption {
	return func(s *Session) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithWorkerBackOff replaces the policy between handler attempts.
func WithWorkerBackOff(factory func() backoff.BackOff) SessionOption {
	return func(s *Session) {
		if factory != nil {
			s.newBackOff = factory
		}
	}
}

func WithIDGenerator(newID func() string) SessionOption {
	return func(s *Session) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func NewSession(index domain.SessionIndex, tmpl ports.Template, repo ports.SessionRepository, scheduler *Scheduler, opts ...SessionOption) *Session {
	s := &Session{
		tmpl:       tmpl,
		repo:       repo,
		store:      repo.Store(index.ID),
		scheduler:  scheduler,
		logger:     slog.Default(),
		recorder:   ports.NopRecorder{},
		newBackOff: workerBackOff,
		newID:      uuid.NewString,
		index:      index.Clone(),
		state:      StateInitializing,
		changed:    make(chan struct{}),
		commands:   make(chan Command, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", index.ID)
	s.seenState.Store(int32(s.state))
	return s
}

// Start launches the actor. It loads the stored conversation and resumes
// wherever the previous process stopped.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(ctx, CmdReload)
	})
}

// Close stops the actor and waits for it to exit. An in-flight upstream
// call is abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.closed = true
		s.stateMu.Unlock()

		if s.cancel == nil {
			return
		}
		select {
		case s.commands <- CmdExit:
		default:
		}
		s.cancel()
		<-s.done
	})
}

func (s *Session) ID() string {
	return s.Index().ID
}

func (s *Session) Index() domain.SessionIndex {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index.Clone()
}

func (s *Session) params() map[string]string {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return maps.Clone(s.index.Params)
}

func (s *Session) level() int {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index.Level
}

// Status reports the worker state and the token count of the conversation.
// It takes no lock, so the two values may straddle a transition.
func (s *Session) Status() (State, int) {
	return State(s.seenState.Load()), int(s.seenTokens.Load())
}

func (s *Session) History() []domain.Message {
	conv := s.snapshot()
	if conv == nil {
		return []domain.Message{}
	}
	return conv.Messages
}

func (s *Session) Memo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Memo
}

// Conversation returns a deep copy of the live conversation, or nil before
// the first one is created.
func (s *Session) Conversation() *domain.Conversation {
	return s.snapshot()
}

func (s *Session) Remark(ctx context.Context) (map[string]string, error) {
	remark, err := s.store.LoadRemark(ctx)
	if err != nil {
		return nil, fmt.Errorf("load remark: %w", err)
	}
	return remark, nil
}

func (s *Session) SetRemark(ctx context.Context, remark map[string]string) error {
	if remark == nil {
		remark = map[string]string{}
	}
	if err := s.store.SaveRemark(ctx, remark); err != nil {
		return fmt.Errorf("save remark: %w", err)
	}
	return nil
}

// SetParams merges params into the session's params, checks them against
// the template and persists the index.
func (s *Session) SetParams(ctx context.Context, params map[string]string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	next, err := ApplyParams(s.tmpl, s.index, params)
	if err != nil {
		return err
	}
	if err := s.repo.SaveIndex(ctx, next); err != nil {
		return fmt.Errorf("save session index: %w", err)
	}
	s.index = next
	return nil
}

// ApplyParams returns index with params merged in and its level
// recomputed. index is left untouched.
func ApplyParams(tmpl ports.Template, index domain.SessionIndex, params map[string]string) (domain.SessionIndex, error) {
	next := index.Clone()
	for key, value := range params {
		next.Params[key] = value
	}
	if err := validateParams(tmpl, next.Params); err != nil {
		return domain.SessionIndex{}, err
	}
	level, err := domain.ParseLevel(next.Params, tmpl.Level())
	if err != nil {
		return domain.SessionIndex{}, err
	}
	next.Level = level
	return next, nil
}

func validateParams(tmpl ports.Template, params map[string]string) error {
	var missing []string
	for _, key := range tmpl.RequiredParams() {
		if strings.TrimSpace(params[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing params %s for type %q: %w", strings.Join(missing, ", "), tmpl.Type(), domain.ErrInvalidParam)
	}
	return nil
}

// WaitIdle blocks until the worker has nothing left to do.
func (s *Session) WaitIdle(ctx context.Context) error {
	_, err := s.waitState(ctx, func(state State) bool { return state == StateIdle })
	return err
}

// Reload re-reads the stored conversation and resumes from it. The session
// must be idle.
func (s *Session) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return err
	}
	return s.issueLocked(CmdReload)
}

// ForceCompress starts a compression cycle on an idle conversation that
// has no memo pending.
func (s *Session) ForceCompress(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return err
	}
	s.mu.RLock()
	conv := s.current
	s.mu.RUnlock()
	switch {
	case conv == nil:
		return fmt.Errorf("force compress: no conversation yet: %w", domain.ErrNotAcceptable)
	case conv.Pointer.Status != domain.StatusIdle, conv.LastSender() == domain.SenderUser:
		return fmt.Errorf("force compress: conversation is %s: %w", conv.Pointer.Status, domain.ErrNotAcceptable)
	case conv.Pointer.Memo != "":
		return fmt.Errorf("force compress: memo already pending: %w", domain.ErrNotAcceptable)
	}

	if err := s.update(ctx, func(c *domain.Conversation) error {
		c.Pointer.Status = domain.StatusFulled
		return nil
	}); err != nil {
		return err
	}
	return s.issueLocked(CmdSummarize)
}

func (s *Session) acceptingLocked() error {
	if s.closed {
		return fmt.Errorf("session %q is closed: %w", s.ID(), domain.ErrNotAcceptable)
	}
	if s.state != StateIdle {
		return fmt.Errorf("session %q is %s: %w", s.ID(), s.state, domain.ErrNotAcceptable)
	}
	return nil
}

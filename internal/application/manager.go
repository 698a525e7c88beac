package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"golang.org/x/sync/errgroup"
)

const bootConcurrency = 8

// SessionManager owns every live session of the database directory.
type SessionManager struct {
	repo        ports.SessionRepository
	catalog     ports.TemplateCatalog
	scheduler   *Scheduler
	logger      *slog.Logger
	recorder    ports.Recorder
	sessionOpts []SessionOption

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

type ManagerOption func(*SessionManager)

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithManagerRecorder(recorder ports.Recorder) ManagerOption {
	return func(m *SessionManager) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// WithSessionOptions applies opts to every session the manager starts.
func WithSessionOptions(opts ...SessionOption) ManagerOption {
	return func(m *SessionManager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// NewSessionManager starts one session per readable directory of repo.
// Unreadable sessions and sessions of unknown types are skipped.
func NewSessionManager(ctx context.Context, repo ports.SessionRepository, catalog ports.TemplateCatalog, scheduler *Scheduler, opts ...ManagerOption) (*SessionManager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &SessionManager{
		repo:      repo,
		catalog:   catalog,
		scheduler: scheduler,
		logger:    slog.Default(),
		recorder:  ports.NopRecorder{},
		sessions:  map[string]*Session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	indexes, errs := repo.List(ctx)
	for _, err := range errs {
		m.logger.Warn("skipping unreadable session", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bootConcurrency)
	for _, index := range indexes {
		g.Go(func() error {
			tmpl, ok := catalog.Get(index.Type)
			if !ok {
				m.logger.Warn("skipping session of unknown type", "session", index.ID, "type", index.Type)
				return nil
			}
			if _, err := repo.Store(index.ID).Load(gctx); err != nil && !errors.Is(err, domain.ErrNotFound) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("skipping session with unreadable conversation", "session", index.ID, "error", err)
				return nil
			}

			s := m.newSession(index, tmpl)
			m.mu.Lock()
			m.sessions[index.ID] = s
			m.mu.Unlock()
			s.Start(m.ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.Close()
		return nil, fmt.Errorf("start sessions: %w", err)
	}

	m.reportActive()
	m.logger.Info("sessions started", "count", len(m.List()))
	return m, nil
}

func (m *SessionManager) newSession(index domain.SessionIndex, tmpl ports.Template) *Session {
	opts := append([]SessionOption{
		WithSessionLogger(m.logger),
		WithSessionRecorder(m.recorder),
	}, m.sessionOpts...)
	return NewSession(index, tmpl, m.repo, m.scheduler, opts...)
}

// Add creates and starts a new session of sessionType.
func (m *SessionManager) Add(ctx context.Context, id, sessionType string, params map[string]string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index, tmpl, err := m.prepareIndex(id, sessionType, params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNewLocked(id); err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, index); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return m.startLocked(index, tmpl), nil
}

// Inherit creates a session with the type and params of fromID whose first
// conversation carries the memo and recent history of fromID.
func (m *SessionManager) Inherit(ctx context.Context, id, fromID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, err := m.Get(fromID)
	if err != nil {
		return nil, err
	}
	srcIndex := source.Index()

	index, tmpl, err := m.prepareIndex(id, srcIndex.Type, srcIndex.Params)
	if err != nil {
		return nil, err
	}

	var messages []domain.Message
	memo := domain.EmptyMemo()
	if conv := source.Conversation(); conv != nil {
		messages = conv.Messages
		if conv.Memo != "" {
			memo = conv.Memo
		}
	}
	seed := seedEpoch(tmpl, index.Params, index.Level, index.ID, memo, messages, domain.StatusUninitialized)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNewLocked(id); err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, index); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := m.repo.Store(index.ID).Save(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed inherited conversation: %w", err)
	}

	return m.startLocked(index, tmpl), nil
}

func (m *SessionManager) prepareIndex(id, sessionType string, params map[string]string) (domain.SessionIndex, ports.Template, error) {
	return PrepareIndex(m.catalog, id, sessionType, params)
}

// PrepareIndex checks a new session against its type and resolves its
// level. It touches no storage.
func PrepareIndex(catalog ports.TemplateCatalog, id, sessionType string, params map[string]string) (domain.SessionIndex, ports.Template, error) {
	if strings.TrimSpace(id) == "" {
		return domain.SessionIndex{}, nil, fmt.Errorf("session id is empty: %w", domain.ErrInvalidParam)
	}
	if strings.TrimSpace(sessionType) == "" {
		return domain.SessionIndex{}, nil, fmt.Errorf("session type is empty: %w", domain.ErrInvalidParam)
	}

	tmpl, ok := catalog.Get(sessionType)
	if !ok {
		return domain.SessionIndex{}, nil, fmt.Errorf("session type %q: %w", sessionType, domain.ErrNotFound)
	}

	params = maps.Clone(params)
	if params == nil {
		params = map[string]string{}
	}
	level, err := domain.ParseLevel(params, tmpl.Level())
	if err != nil {
		return domain.SessionIndex{}, nil, err
	}
	if err := validateParams(tmpl, params); err != nil {
		return domain.SessionIndex{}, nil, err
	}

	return domain.SessionIndex{ID: id, Type: sessionType, Level: level, Params: params}, tmpl, nil
}

func (m *SessionManager) checkNewLocked(id string) error {
	if m.closed {
		return fmt.Errorf("session manager is closed: %w", domain.ErrNotAcceptable)
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("session %q: %w", id, domain.ErrAlreadyExists)
	}
	return nil
}

func (m *SessionManager) startLocked(index domain.SessionIndex, tmpl ports.Template) *Session {
	s := m.newSession(index, tmpl)
	m.sessions[index.ID] = s
	s.Start(m.ctx)
	m.recorder.SessionsActive(len(m.sessions))
	m.logger.Info("session added", "session", index.ID, "type", index.Type, "level", index.Level)
	return s
}

// Remove stops a session and hides its directory under an archive name.
func (m *SessionManager) Remove(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("session %q: %w", id, domain.ErrNotFound)
	}
	delete(m.sessions, id)
	m.recorder.SessionsActive(len(m.sessions))
	m.mu.Unlock()

	s.Close()
	archived, err := m.repo.Archive(ctx, id)
	if err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}
	m.logger.Info("session removed", "session", id, "archive", archived)
	return archived, nil
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the live sessions ordered by id.
func (m *SessionManager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Default is the first session in id order.
func (m *SessionManager) Default() (*Session, error) {
	sessions := m.List()
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no session: %w", domain.ErrNotFound)
	}
	return sessions[0], nil
}

func (m *SessionManager) Types() []string {
	return m.catalog.Types()
}

func (m *SessionManager) Scheduler() *Scheduler {
	return m.scheduler
}

// Close stops every session. The manager accepts no new sessions after.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	m.cancel()
	m.recorder.SessionsActive(0)
}

func (m *SessionManager) reportActive() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.recorder.SessionsActive(len(m.sessions))
}

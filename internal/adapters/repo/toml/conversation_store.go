package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	currentFileName    = "current.toml"
	remarkFileName     = "remark.toml"
	archiveDirName     = "archive"
	snapshotTimeFormat = "20060102T150405.000000000Z"
)

// ConversationStore persists the live conversation of one session directory.
// Superseded conversations are moved to archive/ under their save time.
type ConversationStore struct {
	dir       string
	clock     ports.Clock
	currentMu *sync.RWMutex
	remarkMu  *sync.RWMutex
}

var _ ports.ConversationStore = (*ConversationStore)(nil)

func newConversationStore(dir string, clock ports.Clock) *ConversationStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &ConversationStore{
		dir:       dir,
		clock:     clock,
		currentMu: lockForPath(filepath.Join(dir, currentFileName)),
		remarkMu:  lockForPath(filepath.Join(dir, remarkFileName)),
	}
}

func (s *ConversationStore) Load(ctx context.Context) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.currentMu.RLock()
	defer s.currentMu.RUnlock()

	data, err := os.ReadFile(s.currentPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("conversation in %s: %w", s.dir, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read conversation: %w", err)
	}

	var file conversationSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return nil, err
	}
	file.applyDefaults()

	return fromConversationSchema(file)
}

func (s *ConversationStore) Save(ctx context.Context, conversation *domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conversation == nil {
		return errors.New("save conversation: nil conversation")
	}

	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	return s.writeCurrent(conversation)
}

// Replace archives the saved conversation, if any, then writes the new one.
func (s *ConversationStore) Replace(ctx context.Context, conversation *domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conversation == nil {
		return errors.New("replace conversation: nil conversation")
	}

	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	if err := s.archiveCurrent(); err != nil {
		return err
	}

	return s.writeCurrent(conversation)
}

func (s *ConversationStore) LoadRemark(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.remarkMu.RLock()
	defer s.remarkMu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, remarkFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read remark: %w", err)
	}

	var file remarkSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode remark: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return nil, err
	}
	file.applyDefaults()

	return file.Values, nil
}

func (s *ConversationStore) SaveRemark(ctx context.Context, remark map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.remarkMu.Lock()
	defer s.remarkMu.Unlock()

	file := remarkSchema{Values: remark}
	file.applyDefaults()

	return writeTOMLFile(filepath.Join(s.dir, remarkFileName), file)
}

// Archives lists archived snapshot files, oldest first.
func (s *ConversationStore) Archives() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, archiveDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		names = append(names, filepath.Join(s.dir, archiveDirName, entry.Name()))
	}
	return names, nil
}

func (s *ConversationStore) currentPath() string {
	return filepath.Join(s.dir, currentFileName)
}

func (s *ConversationStore) writeCurrent(conversation *domain.Conversation) error {
	file := toConversationSchema(conversation, s.clock.Now())
	if err := writeTOMLFile(s.currentPath(), file); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) archiveCurrent() error {
	if _, err := os.Stat(s.currentPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat conversation: %w", err)
	}

	archiveDir := filepath.Join(s.dir, archiveDirName)
	if err := os.MkdirAll(archiveDir, dirMode); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	stamp := s.clock.Now().UTC().Format(snapshotTimeFormat)
	target := filepath.Join(archiveDir, fmt.Sprintf("current-%s.toml", stamp))
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		target = filepath.Join(archiveDir, fmt.Sprintf("current-%s-%d.toml", stamp, n))
	}
	if err := os.Rename(s.currentPath(), target); err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}

	return nil
}

func toConversationSchema(c *domain.Conversation, savedAt time.Time) conversationSchema {
	file := conversationSchema{
		SavedAt:       formatTime(savedAt),
		Guide:         c.Guide,
		Memo:          c.Memo,
		RecentHistory: c.RecentHistory,
		Tokens:        c.Tokens,
		Pointer: pointerSchema{
			Level:          c.Pointer.Level,
			Engine:         string(c.Pointer.Engine),
			Account:        c.Pointer.Account,
			Status:         c.Pointer.Status.String(),
			Summary:        c.Pointer.Summary,
			Memo:           c.Pointer.Memo,
			AIIndex:        c.Pointer.AIIndex,
			Title:          c.Pointer.Title,
			ConversationID: c.Pointer.ConversationID,
			ReplyID:        c.Pointer.ReplyID,
			InFlightID:     c.Pointer.InFlightID,
			Prompt:         c.Pointer.Prompt,
		},
		Messages: make([]messageSchema, 0, len(c.Messages)),
	}
	for _, m := range c.Messages {
		file.Messages = append(file.Messages, toMessageSchema(m))
	}
	if c.QueueMessage != nil {
		queued := toMessageSchema(*c.QueueMessage)
		file.QueueMessage = &queued
	}
	if c.BreakMessage != nil {
		broken := toMessageSchema(*c.BreakMessage)
		file.BreakMessage = &broken
	}
	file.applyDefaults()
	return file
}

func fromConversationSchema(file conversationSchema) (*domain.Conversation, error) {
	engine, err := domain.ParseEngineKind(file.Pointer.Engine)
	if err != nil {
		return nil, fmt.Errorf("decode conversation pointer: %w", err)
	}
	status, err := domain.ParsePointerStatus(file.Pointer.Status)
	if err != nil {
		return nil, fmt.Errorf("decode conversation pointer: %w", err)
	}

	c := &domain.Conversation{
		Guide:         file.Guide,
		Memo:          file.Memo,
		RecentHistory: file.RecentHistory,
		Tokens:        file.Tokens,
		Messages:      make([]domain.Message, 0, len(file.Messages)),
		Pointer: domain.EnginePointer{
			Level:          file.Pointer.Level,
			Engine:         engine,
			Account:        file.Pointer.Account,
			Status:         status,
			Summary:        file.Pointer.Summary,
			Memo:           file.Pointer.Memo,
			AIIndex:        file.Pointer.AIIndex,
			Title:          file.Pointer.Title,
			ConversationID: file.Pointer.ConversationID,
			ReplyID:        file.Pointer.ReplyID,
			InFlightID:     file.Pointer.InFlightID,
			Prompt:         file.Pointer.Prompt,
		},
	}
	for _, m := range file.Messages {
		decoded, err := fromMessageSchema(m)
		if err != nil {
			return nil, err
		}
		c.Messages = append(c.Messages, decoded)
	}
	if file.QueueMessage != nil {
		queued, err := fromMessageSchema(*file.QueueMessage)
		if err != nil {
			return nil, err
		}
		c.QueueMessage = &queued
	}
	if file.BreakMessage != nil {
		broken, err := fromMessageSchema(*file.BreakMessage)
		if err != nil {
			return nil, err
		}
		c.BreakMessage = &broken
	}

	return c, nil
}

func toMessageSchema(m domain.Message) messageSchema {
	return messageSchema{
		ID:      m.ID,
		Sender:  string(m.Sender),
		Content: m.Content,
		Tokens:  m.Tokens,
		Remark:  m.Remark,
	}
}

func fromMessageSchema(m messageSchema) (domain.Message, error) {
	sender := domain.Sender(m.Sender)
	if sender != domain.SenderAI && sender != domain.SenderUser {
		return domain.Message{}, fmt.Errorf("decode message %q: unknown sender %q: %w", m.ID, m.Sender, domain.ErrInvalidParam)
	}
	remark := m.Remark
	if remark == nil {
		remark = map[string]string{}
	}
	return domain.Message{
		ID:      m.ID,
		Sender:  sender,
		Content: m.Content,
		Tokens:  m.Tokens,
		Remark:  remark,
	}, nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.Format(time.RFC3339Nano)
}

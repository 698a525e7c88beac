package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	DatabasePathKey = "paths.database"

	fileMode          = 0o600
	dirMode           = 0o700
	defaultConfigDir  = ".chatsession"
	defaultDatabase   = "database"
	indexFileName     = "index.toml"
	archiveTimeFormat = "2006-01-02-15-04-05"
	tempFilePattern   = ".session-*.toml.tmp"
)

// Repository keeps one directory per session under the database root.
type Repository struct {
	root  string
	clock ports.Clock
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.SessionRepository = (*Repository)(nil)

func NewRepository(cfg *viper.Viper, clock ports.Clock) (*Repository, error) {
	if cfg == nil {
		cfg = viper.New()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.SetDefault(DatabasePathKey, filepath.Join(homeDir, defaultConfigDir, defaultDatabase))

	root := cfg.GetString(DatabasePathKey)
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("database path is empty")
	}
	root, err = normalizePath(root)
	if err != nil {
		return nil, err
	}

	return &Repository{root: root, clock: clock}, nil
}

func (r *Repository) Root() string {
	return r.root
}

// List returns every readable session index. Unreadable entries are
// reported in the error slice and skipped.
func (r *Repository) List(ctx context.Context) ([]domain.SessionIndex, []error) {
	if err := ctx.Err(); err != nil {
		return nil, []error{err}
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read database directory: %w", err)}
	}

	var (
		indexes []domain.SessionIndex
		errs    []error
	)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		index, err := r.readIndex(entry.Name())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		indexes = append(indexes, index)
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i].ID < indexes[j].ID })
	return indexes, errs
}

func (r *Repository) Create(ctx context.Context, index domain.SessionIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := r.sessionDir(index.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.root, dirMode); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	if err := os.Mkdir(dir, dirMode); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("session %q: %w", index.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create session directory: %w", err)
	}

	return r.writeIndex(dir, index)
}

func (r *Repository) SaveIndex(ctx context.Context, index domain.SessionIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := r.sessionDir(index.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %q: %w", index.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("stat session directory: %w", err)
	}

	return r.writeIndex(dir, index)
}

// Archive hides a session directory behind a dot-prefixed, timestamped
// name. Nothing is deleted.
func (r *Repository) Archive(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir, err := r.sessionDir(id)
	if err != nil {
		return "", err
	}

	mu := lockForPath(dir)
	mu.Lock()
	defer mu.Unlock()

	archived := filepath.Join(r.root, fmt.Sprintf(".%s.%s", id, r.clock.Now().Format(archiveTimeFormat)))
	if err := os.Rename(dir, archived); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("session %q: %w", id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("archive session %q: %w", id, err)
	}

	return archived, nil
}

func (r *Repository) Store(id string) ports.ConversationStore {
	return newConversationStore(filepath.Join(r.root, id), r.clock)
}

func (r *Repository) readIndex(id string) (domain.SessionIndex, error) {
	path := filepath.Join(r.root, id, indexFileName)

	mu := lockForPath(path)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SessionIndex{}, fmt.Errorf("read session index %q: %w", id, err)
	}

	var file indexSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return domain.SessionIndex{}, fmt.Errorf("decode session index %q: %w", id, err)
	}
	if err := file.validateVersion(); err != nil {
		return domain.SessionIndex{}, err
	}
	file.applyDefaults()

	if file.ID == "" || file.Type == "" {
		return domain.SessionIndex{}, fmt.Errorf("session index %q: missing id or type: %w", id, domain.ErrInvalidParam)
	}
	if file.ID != id {
		return domain.SessionIndex{}, fmt.Errorf("session index %q names session %q: %w", id, file.ID, domain.ErrInvalidParam)
	}

	return domain.SessionIndex{
		ID:     file.ID,
		Type:   file.Type,
		Level:  file.Level,
		Params: file.Params,
	}, nil
}

func (r *Repository) writeIndex(dir string, index domain.SessionIndex) error {
	path := filepath.Join(dir, indexFileName)

	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()

	file := indexSchema{
		ID:     index.ID,
		Type:   index.Type,
		Level:  index.Level,
		Params: index.Params,
	}
	file.applyDefaults()

	return writeTOMLFile(path, file)
}

func (r *Repository) sessionDir(id string) (string, error) {
	if err := ValidateSessionID(id); err != nil {
		return "", err
	}
	return filepath.Join(r.root, id), nil
}

// ValidateSessionID rejects ids that cannot name a visible directory.
func ValidateSessionID(id string) error {
	trimmed := strings.TrimSpace(id)
	switch {
	case trimmed == "":
		return fmt.Errorf("session id is empty: %w", domain.ErrInvalidParam)
	case trimmed != id, strings.HasPrefix(id, "."), strings.ContainsAny(id, `/\`):
		return fmt.Errorf("invalid session id %q: %w", id, domain.ErrInvalidParam)
	}
	return nil
}

func normalizePath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func writeTOMLFile(path string, file any) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	cleanup = false
	return nil
}

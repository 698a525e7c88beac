// Package chain tries a primary secret store first and falls back to a
// second one when the primary cannot serve the call.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	filestore "github.com/bnema/chatsession/internal/adapters/secrets/file"
	passstore "github.com/bnema/chatsession/internal/adapters/secrets/pass"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/viper"
)

type Store struct {
	primary  ports.SecretStore
	fallback ports.SecretStore
}

var (
	_ ports.SecretStore  = (*Store)(nil)
	_ ports.SecretLister = (*Store)(nil)
)

var (
	errNilPrimaryStore  = errors.New("primary secret store is nil")
	errNilFallbackStore = errors.New("fallback secret store is nil")
)

func NewStore(primary ports.SecretStore, fallback ports.SecretStore) (*Store, error) {
	if primary == nil {
		return nil, errNilPrimaryStore
	}
	if fallback == nil {
		return nil, errNilFallbackStore
	}

	return &Store{primary: primary, fallback: fallback}, nil
}

// NewPassFirstWithFileFallback reads keys from pass and falls back to the
// file store under paths.secrets.
func NewPassFirstWithFileFallback(cfg *viper.Viper) (*Store, error) {
	files, err := filestore.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(passstore.NewStore(cfg), files)
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	err := s.primary.Put(ctx, key, value)
	if err == nil {
		return nil
	}
	if shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Put(ctx, key, value)
	if fallbackErr == nil {
		return nil
	}

	return fmt.Errorf("primary backend put failed: %w; fallback backend put failed: %w", err, fallbackErr)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.primary.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if shouldSkipFallback(err) {
		return "", err
	}

	fallbackValue, fallbackErr := s.fallback.Get(ctx, key)
	if fallbackErr == nil {
		return fallbackValue, nil
	}

	return "", fmt.Errorf("primary backend get failed: %w; fallback backend get failed: %w", err, fallbackErr)
}

// Delete removes the key from both backends. It fails only when both do.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Delete(ctx, key)
	if err == nil || fallbackErr == nil {
		return nil
	}

	return fmt.Errorf("primary backend delete failed: %w; fallback backend delete failed: %w", err, fallbackErr)
}

// List merges the keys of every backend that can enumerate them.
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, backend := range []ports.SecretStore{s.primary, s.fallback} {
		lister, ok := backend.(ports.SecretLister)
		if !ok {
			continue
		}
		keys, err := lister.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func shouldSkipFallback(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

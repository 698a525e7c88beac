// Package pass keeps hosted engine keys in the pass password manager under
// a configurable folder.
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/viper"
)

const (
	PrefixKey     = "secrets.pass.prefix"
	defaultPrefix = "chatsession"
)

var ErrUnavailable = errors.New("pass command unavailable")

type runFunc func(ctx context.Context, input string, args ...string) (stdout string, stderr string, err error)

type Store struct {
	prefix string
	run    runFunc
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(cfg *viper.Viper) *Store {
	if cfg == nil {
		cfg = viper.New()
	}
	cfg.SetDefault(PrefixKey, defaultPrefix)

	return &Store{
		prefix: strings.Trim(strings.TrimSpace(cfg.GetString(PrefixKey)), "/"),
		run:    runPassCommand,
	}
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := s.entry(key)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("secret %q is empty: %w", key, domain.ErrInvalidParam)
	}

	_, stderr, err := s.run(ctx, value+"\n", "insert", "-m", "-f", name)
	if err != nil {
		return formatError("put", name, err, stderr)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := s.entry(key)
	if err != nil {
		return "", err
	}

	stdout, stderr, err := s.run(ctx, "", "show", name)
	if err != nil {
		return "", formatError("get", name, err, stderr)
	}

	// pass show prints the password on the first line; the rest is metadata.
	first, _, _ := strings.Cut(stdout, "\n")
	value := strings.TrimSpace(first)
	if value == "" {
		return "", fmt.Errorf("pass get %q: empty entry: %w", name, domain.ErrNotFound)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := s.entry(key)
	if err != nil {
		return err
	}

	_, stderr, err := s.run(ctx, "", "rm", "-f", name)
	if err != nil {
		wrapped := formatError("delete", name, err, stderr)
		if errors.Is(wrapped, domain.ErrNotFound) {
			return nil
		}
		return wrapped
	}

	return nil
}

func (s *Store) entry(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", fmt.Errorf("secret key is empty: %w", domain.ErrInvalidParam)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid secret key %q: %w", key, domain.ErrInvalidParam)
	}
	if s.prefix == "" {
		return cleaned, nil
	}
	return s.prefix + "/" + cleaned, nil
}

func runPassCommand(ctx context.Context, input string, args ...string) (string, string, error) {
	bin, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrUnavailable
		}
		return "", "", fmt.Errorf("locate pass command: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

func formatError(op string, name string, err error, stderr string) error {
	if stderr == "" {
		return fmt.Errorf("pass %s %q: %w", op, name, err)
	}
	if strings.Contains(stderr, "is not in the password store") {
		return fmt.Errorf("pass %s %q: %w: %s", op, name, domain.ErrNotFound, stderr)
	}

	return fmt.Errorf("pass %s %q: %w: %s", op, name, err, stderr)
}

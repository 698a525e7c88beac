// Package hosted completes transcripts on an OpenAI compatible chat
// completion API. Keys come from the secret store and are rotated when the
// API rejects them.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/viper"
)

const (
	BaseURLKey = "engines.hosted.url"
	ModelKey   = "engines.hosted.model"
	KeysKey    = "engines.hosted.keys"
	TimeoutKey = "engines.hosted.timeout"

	defaultBaseURL = "https://api.openai.com/v1/"
	defaultModel   = openai.ChatModelGPT3_5Turbo
	defaultTimeout = 60 * time.Second

	rateLimitInitialDelay = time.Second
	rateLimitMaxDelay     = 8 * time.Second
	rateLimitMaxElapsed   = 30 * time.Second
)

// Client implements ports.HostedEngine. A key rejected with 401 is dropped
// for the life of the client; once none are left Complete fails with
// domain.ErrNoResource.
type Client struct {
	api        openai.Client
	model      string
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu   sync.Mutex
	keys []string
}

var _ ports.HostedEngine = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimitBackOff replaces the wait schedule used while the API
// answers 429.
func WithRateLimitBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// NewClient resolves every key ref listed under engines.hosted.keys in
// secrets. Refs that cannot be read are skipped with a warning.
func NewClient(ctx context.Context, cfg *viper.Viper, secrets ports.SecretStore, opts ...Option) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = viper.New()
	}
	if secrets == nil {
		return nil, errors.New("hosted engine requires a secret store")
	}
	cfg.SetDefault(BaseURLKey, defaultBaseURL)
	cfg.SetDefault(ModelKey, string(defaultModel))
	cfg.SetDefault(TimeoutKey, defaultTimeout)

	c := &Client{
		model:      strings.TrimSpace(cfg.GetString(ModelKey)),
		logger:     slog.Default(),
		newBackOff: rateLimitBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" {
		return nil, fmt.Errorf("hosted engine model is empty: %w", domain.ErrInvalidParam)
	}

	for _, ref := range cfg.GetStringSlice(KeysKey) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		key, err := secrets.Get(ctx, ref)
		if err != nil {
			c.logger.Warn("skipping hosted api key", "ref", ref, "error", err)
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			c.keys = append(c.keys, key)
		}
	}

	timeout := cfg.GetDuration(TimeoutKey)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.api = openai.NewClient(
		option.WithBaseURL(cfg.GetString(BaseURLKey)),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	)
	return c, nil
}

// Available reports whether any key is left.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys) > 0
}

func (c *Client) Complete(ctx context.Context, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: completionMessages(turns),
	}

	for {
		key, ok := c.currentKey()
		if !ok {
			return "", fmt.Errorf("hosted completion: no usable api key: %w", domain.ErrNoResource)
		}

		completion, err := c.create(ctx, params, key)
		if err == nil {
			if len(completion.Choices) == 0 {
				return "", fmt.Errorf("hosted completion: no choices: %w", domain.ErrInternal)
			}
			return completion.Choices[0].Message.Content, nil
		}

		var apiErr *openai.Error
		if !errors.As(err, &apiErr) {
			return "", fmt.Errorf("hosted completion: %w", err)
		}
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			c.logger.Warn("hosted api key rejected, rotating")
			c.dropKey(key)
		case http.StatusTooManyRequests:
			return "", fmt.Errorf("hosted completion rate limited: %w", domain.ErrServerIsBusy)
		default:
			return "", &domain.UpstreamError{Op: "hosted completion", StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
	}
}

// create calls the API with key, waiting out 429 answers under the rate
// limit backoff.
func (c *Client) create(ctx context.Context, params openai.ChatCompletionNewParams, key string) (*openai.ChatCompletion, error) {
	var completion *openai.ChatCompletion
	op := func() error {
		var err error
		completion, err = c.api.Chat.Completions.New(ctx, params, option.WithAPIKey(key))
		if err == nil {
			return nil
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("hosted api rate limited, backing off", "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return completion, nil
}

func (c *Client) currentKey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return "", false
	}
	return c.keys[0], true
}

func (c *Client) dropKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) > 0 && c.keys[0] == key {
		c.keys = c.keys[1:]
	}
}

func completionMessages(turns []domain.Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		if turn.Sender == domain.SenderAI {
			messages = append(messages, openai.AssistantMessage(turn.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(turn.Content))
	}
	return messages
}

func rateLimitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rateLimitInitialDelay
	b.MaxInterval = rateLimitMaxDelay
	b.MaxElapsedTime = rateLimitMaxElapsed
	b.Reset()
	return b
}

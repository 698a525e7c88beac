// Package web talks to the rate-limited web chat gateway: a pool of logged
// in accounts behind a small HTTP API.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/viper"
)

const (
	BaseURLKey = "engines.web.url"
	TimeoutKey = "engines.web.timeout"

	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 8 << 20
	maxErrorBodySize = 4 << 10

	contentTypeOctet = "application/octet-stream"
)

// Client implements the rate-limited engine over HTTP. Every non-2xx
// answer is returned as *domain.UpstreamError.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ ports.ChatEngine = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient reads the gateway url and timeout from cfg. It returns
// domain.ErrNotFound when no url is configured, which leaves the engine
// disabled.
func NewClient(cfg *viper.Viper, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = viper.New()
	}
	cfg.SetDefault(TimeoutKey, defaultTimeout)

	raw := strings.TrimSpace(cfg.GetString(BaseURLKey))
	if raw == "" {
		return nil, fmt.Errorf("web engine url: %w", domain.ErrNotFound)
	}
	base, err := parseBaseURL(raw)
	if err != nil {
		return nil, err
	}

	timeout := cfg.GetDuration(TimeoutKey)
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type accountPayload struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	IsLoggedIn bool   `json:"is_logged_in"`
	Counter    int    `json:"counter"`
	IsBusy     bool   `json:"is_busy"`
	IsDisabled bool   `json:"is_disabled"`
	Level      int    `json:"level"`
	Err        string `json:"err"`
}

type sendPayload struct {
	MID string `json:"mid"`
}

type messagePayload struct {
	ConversationID string `json:"conversation_id"`
	Message        struct {
		ID      string `json:"id"`
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"message"`
	Finished bool `json:"finished"`
}

type historyPayload struct {
	CurrentNode string                 `json:"current_node"`
	Mapping     map[string]historyNode `json:"mapping"`
}

type historyNode struct {
	ID      string `json:"id"`
	Parent  string `json:"parent"`
	Message *struct {
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
	} `json:"message"`
}

func (c *Client) ListAccounts(ctx context.Context, level int) ([]domain.AccountInfo, error) {
	var payload []accountPayload
	query := url.Values{"level": {strconv.Itoa(level)}}
	if err := c.do(ctx, "list accounts", http.MethodGet, "/api/account/valid", query, nil, &payload); err != nil {
		return nil, err
	}

	accounts := make([]domain.AccountInfo, 0, len(payload))
	for _, a := range payload {
		accounts = append(accounts, domain.AccountInfo{
			ID:         a.ID,
			Email:      a.Email,
			IsLoggedIn: a.IsLoggedIn,
			Counter:    a.Counter,
			IsBusy:     a.IsBusy,
			IsDisabled: a.IsDisabled,
			Level:      a.Level,
			Err:        a.Err,
		})
	}
	return accounts, nil
}

func (c *Client) Send(ctx context.Context, req ports.SendRequest) (string, error) {
	query := url.Values{
		"account": {req.Account},
		"id":      {req.ConversationID},
		"mid":     {req.ParentID},
	}
	var payload sendPayload
	if err := c.do(ctx, "send message", http.MethodPost, "/api/send", query, []byte(req.Text), &payload); err != nil {
		return "", err
	}
	if payload.MID == "" {
		return "", fmt.Errorf("send message: response has no message id: %w", domain.ErrInternal)
	}
	return payload.MID, nil
}

// Poll reads an in-flight reply. With stop the gateway is asked to stop
// generating and returns what it has.
func (c *Client) Poll(ctx context.Context, inFlightID string, stop bool) (domain.Reply, error) {
	method := http.MethodGet
	if stop {
		method = http.MethodPatch
	}

	var payload messagePayload
	if err := c.do(ctx, "poll reply", method, "/api/get", url.Values{"mid": {inFlightID}}, nil, &payload); err != nil {
		return domain.Reply{}, err
	}

	reply := domain.Reply{
		ConversationID: payload.ConversationID,
		MessageID:      payload.Message.ID,
		Complete:       payload.Finished,
	}
	if len(payload.Message.Content.Parts) > 0 {
		reply.Content = payload.Message.Content.Parts[0]
	}
	return reply, nil
}

func (c *Client) SetTitle(ctx context.Context, account, conversationID, title string) error {
	query := url.Values{"account": {account}, "id": {conversationID}}
	return c.do(ctx, "set title", http.MethodPatch, "/api/title", query, []byte(title), nil)
}

func (c *Client) Delete(ctx context.Context, account, conversationID string) error {
	query := url.Values{"account": {account}, "id": {conversationID}}
	return c.do(ctx, "delete conversation", http.MethodDelete, "/api/conversation", query, nil, nil)
}

func (c *Client) BumpLoad(ctx context.Context, account string, delta int) error {
	query := url.Values{"account": {account}, "n": {strconv.Itoa(delta)}}
	return c.do(ctx, "bump load", http.MethodPatch, "/api/account/lock", query, nil, nil)
}

// History returns the current node of a remote conversation.
func (c *Client) History(ctx context.Context, account, conversationID string) (ports.HistoryNode, error) {
	var payload historyPayload
	query := url.Values{"account": {account}, "id": {conversationID}}
	if err := c.do(ctx, "read history", http.MethodGet, "/api/history", query, nil, &payload); err != nil {
		return ports.HistoryNode{}, err
	}

	node, ok := payload.Mapping[payload.CurrentNode]
	if !ok {
		return ports.HistoryNode{}, fmt.Errorf("read history: current node %q not in mapping: %w", payload.CurrentNode, domain.ErrInternal)
	}

	out := ports.HistoryNode{ID: node.ID, ParentID: node.Parent, Author: domain.SenderAI}
	if out.ID == "" {
		out.ID = payload.CurrentNode
	}
	if node.Message != nil && node.Message.Author.Role == "user" {
		out.Author = domain.SenderUser
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("create %s request: %v: %w", op, err, domain.ErrInternal)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeOctet)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &domain.UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %v: %w", op, err, domain.ErrInternal)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse web engine url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("web engine url must use http or https: %w", domain.ErrInvalidParam)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("web engine url host is required: %w", domain.ErrInvalidParam)
	}
	return parsed, nil
}

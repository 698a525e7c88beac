package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/bnema/chatsession/internal/token"
	"github.com/cenkalti/backoff/v4"
)

const (
	networkRetryDelay  = 10 * time.Second
	sendAwayRetryDelay = time.Second
	reloadRetryDelay   = time.Second
	defaultPollDelay   = 100 * time.Millisecond
	maxReloads         = 3

	bumpConflict    = 30
	bumpRateLimited = 150
	bumpNotFound    = 60
)

// sleepStrategy is the backoff of one upstream status on send: start delay,
// growth multiplier and upper cap.
type sleepStrategy struct {
	start  time.Duration
	growth float64
	upper  time.Duration
}

var sleepStrategies = map[int]sleepStrategy{
	403: {start: 10 * time.Second, growth: 2, upper: 120 * time.Second},
	409: {start: 10 * time.Second, growth: 1, upper: 10 * time.Second},
	500: {start: 10 * time.Second, growth: 2, upper: 120 * time.Second},
	502: {start: 10 * time.Second, growth: 2, upper: 120 * time.Second},
	503: {start: 10 * time.Second, growth: 2, upper: 120 * time.Second},
	522: {start: 10 * time.Second, growth: 2, upper: 120 * time.Second},
	524: {start: 10 * time.Second, growth: 2, upper: 60 * time.Second},
	529: {start: 10 * time.Second, growth: 2, upper: 60 * time.Second},
}

func (s sleepStrategy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.start
	b.Multiplier = s.growth
	b.MaxInterval = s.upper
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Scheduler picks the engine and account serving a conversation and wraps
// every engine call in the upstream retry policy.
type Scheduler struct {
	web          ports.ChatEngine
	hosted       ports.HostedEngine
	logger       *slog.Logger
	recorder     ports.Recorder
	sleep        func(context.Context, time.Duration) error
	jitter       func() time.Duration
	pollInterval time.Duration
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSchedulerRecorder(recorder ports.Recorder) SchedulerOption {
	return func(s *Scheduler) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithSleep replaces every wait the scheduler performs.
func WithSleep(sleep func(context.Context, time.Duration) error) SchedulerOption {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

func WithJitter(jitter func() time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if jitter != nil {
			s.jitter = jitter
		}
	}
}

func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewScheduler wires the two engines. Either may be nil when it is not
// configured.
func NewScheduler(web ports.ChatEngine, hosted ports.HostedEngine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		web:          web,
		hosted:       hosted,
		logger:       slog.Default(),
		recorder:     ports.NopRecorder{},
		sleep:        sleepContext,
		jitter:       rateLimitJitter,
		pollInterval: defaultPollDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate decides which engine and account serve the next turn of pointer.
// The account list is fetched on every call.
func (s *Scheduler) Evaluate(ctx context.Context, pointer domain.EnginePointer) (domain.EngineKind, string, error) {
	if err := ctx.Err(); err != nil {
		return domain.EngineNone, "", err
	}

	var accounts []domain.AccountInfo
	if s.web != nil {
		listed, err := call(ctx, s, "accounts", func(ctx context.Context) ([]domain.AccountInfo, error) {
			return s.web.ListAccounts(ctx, pointer.Level)
		})
		if err != nil {
			return domain.EngineNone, "", fmt.Errorf("list accounts: %w", err)
		}
		accounts = listed
	}

	if pointer.Status != domain.StatusUninitialized && pointer.Engine == domain.EngineRateLimited {
		for _, account := range accounts {
			if account.ID == pointer.Account && !account.IsDisabled {
				s.recorder.EngineSelected("keep")
				return domain.EngineRateLimited, pointer.Account, nil
			}
		}
	}

	if best, ok := leastLoaded(accounts); ok {
		s.recorder.EngineSelected(string(domain.EngineRateLimited))
		return domain.EngineRateLimited, best.ID, nil
	}

	if s.hosted == nil {
		return domain.EngineNone, "", fmt.Errorf("evaluate engine: no account available: %w", domain.ErrServerIsBusy)
	}
	s.recorder.EngineSelected(string(domain.EngineHosted))
	return domain.EngineHosted, "", nil
}

// leastLoaded returns the first account with the lowest load. Disabled
// accounts are never picked.
func leastLoaded(accounts []domain.AccountInfo) (domain.AccountInfo, bool) {
	var (
		best  domain.AccountInfo
		found bool
	)
	for _, account := range accounts {
		if account.IsDisabled {
			continue
		}
		if !found || account.Load() < best.Load() {
			best = account
			found = true
		}
	}
	return best, found
}

// Send dispatches the next upstream request of conv. For the rate-limited
// engine it returns the in-flight message id; for the hosted engine the
// reply content.
func (s *Scheduler) Send(ctx context.Context, conv *domain.Conversation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch conv.Pointer.Engine {
	case domain.EngineRateLimited:
		if s.web == nil {
			break
		}
		return s.sendRateLimited(ctx, conv)
	case domain.EngineHosted:
		if s.hosted == nil {
			break
		}
		return s.complete(ctx, conv.Transcript())
	}

	return "", fmt.Errorf("send with engine %q: %w", conv.Pointer.Engine.Label(), domain.ErrNotImplemented)
}

func (s *Scheduler) sendRateLimited(ctx context.Context, conv *domain.Conversation) (string, error) {
	pointer := conv.Pointer

	switch {
	case pointer.Status == domain.StatusUninitialized || pointer.Status == domain.StatusBreak:
		mid, err := s.sendWeb(ctx, ports.SendRequest{Account: pointer.Account, Text: conv.Guide}, false)
		if err != nil {
			return "", err
		}
		reply, err := call(ctx, s, "poll", func(ctx context.Context) (domain.Reply, error) {
			return s.web.Poll(ctx, mid, false)
		})
		if err != nil {
			return "", fmt.Errorf("poll new conversation: %w", err)
		}
		if _, err := call(ctx, s, "title", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.web.SetTitle(ctx, pointer.Account, reply.ConversationID, pointer.Title)
		}); err != nil {
			return "", fmt.Errorf("set conversation title: %w", err)
		}
		return mid, nil

	case pointer.Status == domain.StatusIdle:
		last, ok := conv.LastMessage()
		if !ok || last.Sender != domain.SenderUser {
			return "", fmt.Errorf("send: last message is not from the user: %w", errInvariant)
		}
		text := last.Content
		if text == "" {
			text = last.Remark[domain.RemarkClassifyPrompt]
		}
		return s.sendWeb(ctx, ports.SendRequest{
			Account:        pointer.Account,
			Text:           text,
			ConversationID: pointer.ConversationID,
			ParentID:       pointer.ReplyID,
		}, false)

	default:
		return s.sendWeb(ctx, ports.SendRequest{
			Account:        pointer.Account,
			Text:           pointer.Prompt,
			ConversationID: pointer.ConversationID,
			ParentID:       pointer.ReplyID,
		}, false)
	}
}

// sendWeb posts one message, translating upstream statuses into load
// bumps, retries or taxonomy errors. With noWait every status that would
// otherwise back off fails with ErrServerIsBusy.
func (s *Scheduler) sendWeb(ctx context.Context, req ports.SendRequest, noWait bool) (string, error) {
	reloads := 0
	tables := map[int]*backoff.ExponentialBackOff{}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		mid, err := s.web.Send(ctx, req)
		if err == nil {
			s.recorder.UpstreamCall(string(domain.EngineRateLimited), "send", 200)
			return mid, nil
		}

		var upstream *domain.UpstreamError
		if !errors.As(err, &upstream) {
			if ctx.Err() != nil || isTaxonomyError(err) {
				return "", err
			}
			if err := s.retryAfter(ctx, "send", "network", networkRetryDelay, err); err != nil {
				return "", err
			}
			continue
		}

		status := upstream.StatusCode
		s.recorder.UpstreamCall(string(domain.EngineRateLimited), "send", status)

		switch status {
		case 409:
			if err := s.bumpLoad(ctx, req.Account, bumpConflict); err != nil {
				return "", err
			}
		case 429:
			if rateLimitedBody(upstream.Body) {
				if err := s.retryAfter(ctx, "send", "rate_limited", s.jitter(), upstream); err != nil {
					return "", err
				}
				continue
			}
			if err := s.bumpLoad(ctx, req.Account, bumpRateLimited); err != nil {
				return "", err
			}
		case 404:
			if err := s.bumpLoad(ctx, req.Account, bumpNotFound); err != nil {
				return "", err
			}
			return "", fmt.Errorf("send message: %w: %w", domain.ErrServerIsBusy, upstream)
		case 500:
			if token.Len(req.Text) > domain.MaxMessageTokens {
				return "", fmt.Errorf("send message: %w: %w", domain.ErrTooLarge, upstream)
			}
		case 406:
			if token.Len(req.Text) > domain.MaxMessageTokens {
				return "", fmt.Errorf("send message: %w: %w", domain.ErrTooLarge, upstream)
			}
			reloads++
			if reloads > maxReloads {
				return "", fmt.Errorf("send message: reload limit reached: %w: %w", domain.ErrServerIsBusy, upstream)
			}
			if req.ConversationID != "" {
				parent, err := s.reloadParent(ctx, req.Account, req.ConversationID)
				if err != nil {
					return "", err
				}
				req.ParentID = parent
			}
			if err := s.retryAfter(ctx, "send", "reload", reloadRetryDelay, upstream); err != nil {
				return "", err
			}
			continue
		}

		if noWait {
			return "", fmt.Errorf("send message: %w: %w", domain.ErrServerIsBusy, upstream)
		}

		b, ok := tables[status]
		if !ok {
			strategy, mapped := sleepStrategies[status]
			if !mapped {
				switch status {
				case 401:
					return "", fmt.Errorf("send message: %w: %w", domain.ErrUnauthorized, upstream)
				case 429:
					return "", fmt.Errorf("send message: %w: %w", domain.ErrServerIsBusy, upstream)
				default:
					return "", fmt.Errorf("send message: %w: %w", domain.ErrInternal, upstream)
				}
			}
			b = strategy.backOff()
			tables[status] = b
		}
		if err := s.retryAfter(ctx, "send", fmt.Sprintf("status_%d", status), b.NextBackOff(), upstream); err != nil {
			return "", err
		}
	}
}

// reloadParent finds the message a resent prompt must answer: the parent
// of the current node when the user authored it, otherwise the node itself.
func (s *Scheduler) reloadParent(ctx context.Context, account, conversationID string) (string, error) {
	node, err := call(ctx, s, "history", func(ctx context.Context) (ports.HistoryNode, error) {
		return s.web.History(ctx, account, conversationID)
	})
	if err != nil {
		return "", fmt.Errorf("reload conversation: %w", err)
	}
	if node.Author == domain.SenderUser {
		return node.ParentID, nil
	}
	return node.ID, nil
}

func (s *Scheduler) bumpLoad(ctx context.Context, account string, delta int) error {
	_, err := call(ctx, s, "bump_load", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.web.BumpLoad(ctx, account, delta)
	})
	if err != nil {
		return fmt.Errorf("bump account load: %w", err)
	}
	return nil
}

// complete asks the hosted engine, retrying transport failures only. An
// unmapped upstream status is fatal for the call.
func (s *Scheduler) complete(ctx context.Context, turns []domain.Turn) (string, error) {
	for {
		reply, err := s.hosted.Complete(ctx, turns)
		if err == nil {
			s.recorder.UpstreamCall(string(domain.EngineHosted), "complete", 200)
			return reply, nil
		}
		var upstream *domain.UpstreamError
		if errors.As(err, &upstream) {
			s.recorder.UpstreamCall(string(domain.EngineHosted), "complete", upstream.StatusCode)
			return "", fmt.Errorf("hosted completion: %w: %w", domain.ErrInternal, upstream)
		}
		if ctx.Err() != nil || isTaxonomyError(err) {
			return "", err
		}

		s.logger.Warn("hosted completion failed, retrying", "error", err, "wait", networkRetryDelay)
		s.recorder.UpstreamRetry(string(domain.EngineHosted), "complete", "network")
		if err := s.sleep(ctx, networkRetryDelay); err != nil {
			return "", err
		}
	}
}

// SendAway answers text without keeping any conversation state. Busy and
// unauthorized upstreams are retried until ctx ends.
func (s *Scheduler) SendAway(ctx context.Context, text string, level int) (string, error) {
	if n := token.Len(text); n > domain.MaxMessageTokens {
		return "", fmt.Errorf("message too long: %d > %d: %w", n, domain.MaxMessageTokens, domain.ErrTooLarge)
	}

	for {
		reply, err := s.sendAwayOnce(ctx, text, level)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrServerIsBusy) {
			return "", err
		}

		s.logger.Warn("send away failed, retrying", "error", err, "wait", sendAwayRetryDelay)
		s.recorder.UpstreamRetry("any", "send_away", "busy")
		if err := s.sleep(ctx, sendAwayRetryDelay); err != nil {
			return "", err
		}
	}
}

func (s *Scheduler) sendAwayOnce(ctx context.Context, text string, level int) (string, error) {
	kind, account, err := s.Evaluate(ctx, domain.EnginePointer{Level: level})
	if err != nil {
		return "", err
	}

	switch kind {
	case domain.EngineRateLimited:
		mid, err := s.sendWeb(ctx, ports.SendRequest{Account: account, Text: text}, true)
		if err != nil {
			return "", err
		}
		reply, err := s.Await(ctx, mid, nil)
		if err != nil {
			return "", err
		}
		if _, err := call(ctx, s, "delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.web.Delete(ctx, account, reply.ConversationID)
		}); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("delete one-shot conversation: %w", err)
		}
		return reply.Content, nil
	case domain.EngineHosted:
		return s.complete(ctx, []domain.Turn{{Sender: domain.SenderUser, Content: text}})
	default:
		return "", fmt.Errorf("send away with engine %q: %w", kind.Label(), domain.ErrNotImplemented)
	}
}

// Await polls an in-flight reply until it completes. stopping is consulted
// before each poll; once it reports true the engine is asked to stop.
func (s *Scheduler) Await(ctx context.Context, inFlightID string, stopping func() bool) (domain.Reply, error) {
	if s.web == nil {
		return domain.Reply{}, fmt.Errorf("await reply: %w", domain.ErrNotImplemented)
	}

	stop := false
	for {
		if !stop && stopping != nil {
			stop = stopping()
		}
		reply, err := call(ctx, s, "poll", func(ctx context.Context) (domain.Reply, error) {
			return s.web.Poll(ctx, inFlightID, stop)
		})
		if err != nil {
			return domain.Reply{}, fmt.Errorf("poll reply: %w", err)
		}
		if reply.Complete {
			return reply, nil
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return domain.Reply{}, err
		}
	}
}

// Get polls the in-flight reply named by pointer once.
func (s *Scheduler) Get(ctx context.Context, pointer domain.EnginePointer, stop bool) (domain.Reply, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reply{}, err
	}
	if pointer.Engine != domain.EngineRateLimited || s.web == nil {
		return domain.Reply{}, fmt.Errorf("get reply with engine %q: %w", pointer.Engine.Label(), domain.ErrNotImplemented)
	}

	reply, err := call(ctx, s, "poll", func(ctx context.Context) (domain.Reply, error) {
		return s.web.Poll(ctx, pointer.InFlightID, stop)
	})
	if err != nil {
		return domain.Reply{}, fmt.Errorf("poll reply: %w", err)
	}
	return reply, nil
}

// Clean deletes the remote conversation of pointer. A conversation that is
// already gone is not an error.
func (s *Scheduler) Clean(ctx context.Context, pointer domain.EnginePointer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pointer.Engine != domain.EngineRateLimited || s.web == nil || pointer.ConversationID == "" {
		return nil
	}

	_, err := call(ctx, s, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.web.Delete(ctx, pointer.Account, pointer.ConversationID)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("clean conversation: %w", err)
	}
	return nil
}

func (s *Scheduler) retryAfter(ctx context.Context, op, reason string, wait time.Duration, cause error) error {
	s.logger.Warn("upstream call failed, retrying", "op", op, "reason", reason, "wait", wait, "error", cause)
	s.recorder.UpstreamRetry(string(domain.EngineRateLimited), op, reason)
	return s.sleep(ctx, wait)
}

// call runs one rate-limited engine call until it succeeds: transport
// failures and 5xx answers are retried after a fixed delay and 429 after a
// short jitter. Other statuses end the call with a taxonomy error.
func call[T any](ctx context.Context, s *Scheduler, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			s.recorder.UpstreamCall(string(domain.EngineRateLimited), op, 200)
			return out, nil
		}

		var upstream *domain.UpstreamError
		if !errors.As(err, &upstream) {
			if ctx.Err() != nil || isTaxonomyError(err) {
				return zero, err
			}
			if err := s.retryAfter(ctx, op, "network", networkRetryDelay, err); err != nil {
				return zero, err
			}
			continue
		}

		status := upstream.StatusCode
		s.recorder.UpstreamCall(string(domain.EngineRateLimited), op, status)
		switch {
		case status/100 == 5:
			if err := s.retryAfter(ctx, op, fmt.Sprintf("status_%d", status), networkRetryDelay, upstream); err != nil {
				return zero, err
			}
		case status == 429:
			if err := s.retryAfter(ctx, op, "rate_limited", s.jitter(), upstream); err != nil {
				return zero, err
			}
		case status == 401:
			return zero, fmt.Errorf("%s: %w: %w", op, domain.ErrUnauthorized, upstream)
		case status == 404:
			return zero, fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, upstream)
		default:
			return zero, fmt.Errorf("%s: %w: %w", op, domain.ErrInternal, upstream)
		}
	}
}

func rateLimitedBody(body string) bool {
	return strings.Contains(body, "by proxy") || strings.Contains(body, "rate limited")
}

var taxonomy = []error{
	domain.ErrInvalidParam,
	domain.ErrNotFound,
	domain.ErrAlreadyExists,
	domain.ErrUnauthorized,
	domain.ErrServerIsBusy,
	domain.ErrTooLarge,
	domain.ErrNotAcceptable,
	domain.ErrInternal,
	domain.ErrNotImplemented,
	domain.ErrNoResource,
}

// isTaxonomyError reports whether an engine already classified err, in
// which case it is not a transport failure to retry.
func isTaxonomyError(err error) bool {
	for _, target := range taxonomy {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func rateLimitJitter() time.Duration {
	return time.Duration(2+rand.IntN(7)) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	tomlrepo "github.com/bnema/chatsession/internal/adapters/repo/toml"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const (
	testGuide   = "guide for tester"
	testSummary = "summarize the conversation"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

// fakeWeb is a scripted rate-limited engine. Each Send opens or extends a
// remote conversation whose reply is produced by reply.
type fakeWeb struct {
	mu sync.Mutex

	accounts []domain.AccountInfo
	listErrs []error
	failures map[string][]error
	reply    func(text string) string
	history  ports.HistoryNode

	holdText string
	hold     chan struct{}

	listCalls int
	sent      []ports.SendRequest
	inFlight  map[string]inFlight
	titles    map[string]string
	bumps     map[string]int
	deleted   []string
	stops     int
}

type inFlight struct {
	conversationID string
	text           string
}

func newFakeWeb(accounts ...domain.AccountInfo) *fakeWeb {
	if len(accounts) == 0 {
		accounts = []domain.AccountInfo{{ID: "acc-a", IsLoggedIn: true}}
	}
	return &fakeWeb{
		accounts: accounts,
		failures: map[string][]error{},
		inFlight: map[string]inFlight{},
		titles:   map[string]string{},
		bumps:    map[string]int{},
	}
}

func (f *fakeWeb) failOn(text string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[text] = append(f.failures[text], errs...)
}

func (f *fakeWeb) ListAccounts(_ context.Context, _ int) ([]domain.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	return append([]domain.AccountInfo(nil), f.accounts...), nil
}

func (f *fakeWeb) Send(_ context.Context, req ports.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, req)
	if errs := f.failures[req.Text]; len(errs) > 0 {
		f.failures[req.Text] = errs[1:]
		if errs[0] != nil {
			return "", errs[0]
		}
	}

	n := len(f.sent)
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = fmt.Sprintf("conv-%d", n)
	}
	mid := fmt.Sprintf("msg-%d", n)
	f.inFlight[mid] = inFlight{conversationID: conversationID, text: req.Text}
	return mid, nil
}

func (f *fakeWeb) Poll(_ context.Context, mid string, stop bool) (domain.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending, ok := f.inFlight[mid]
	if !ok {
		return domain.Reply{}, &domain.UpstreamError{Op: "poll", StatusCode: 404}
	}
	reply := domain.Reply{ConversationID: pending.conversationID, MessageID: mid}

	if f.hold != nil && pending.text == f.holdText {
		select {
		case <-f.hold:
		default:
			if !stop {
				return reply, nil
			}
			f.stops++
			reply.Content = "partial"
			reply.Complete = true
			return reply, nil
		}
	}

	reply.Content = "answer to " + pending.text
	if f.reply != nil {
		reply.Content = f.reply(pending.text)
	}
	reply.Complete = true
	return reply, nil
}

func (f *fakeWeb) SetTitle(_ context.Context, _ string, conversationID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[conversationID] = title
	return nil
}

func (f *fakeWeb) Delete(_ context.Context, _ string, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.deleted {
		if id == conversationID {
			return &domain.UpstreamError{Op: "delete", StatusCode: 404}
		}
	}
	f.deleted = append(f.deleted, conversationID)
	return nil
}

func (f *fakeWeb) BumpLoad(_ context.Context, account string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps[account] += delta
	return nil
}

func (f *fakeWeb) History(_ context.Context, _, _ string) (ports.HistoryNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeWeb) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, req := range f.sent {
		out = append(out, req.Text)
	}
	return out
}

func (f *fakeWeb) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeHosted struct {
	mu    sync.Mutex
	errs  []error
	reply string
	calls [][]domain.Turn
}

func (f *fakeHosted) Complete(_ context.Context, turns []domain.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]domain.Turn(nil), turns...))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	if f.reply == "" {
		return "hosted reply", nil
	}
	return f.reply, nil
}

// fakeTemplate keeps recent history to the last short user message so
// inherited guides stay small.
type fakeTemplate struct {
	typ      string
	level    int
	required []string
}

func (t fakeTemplate) Type() string             { return t.typ }
func (t fakeTemplate) Level() int               { return t.level }
func (t fakeTemplate) RequiredParams() []string { return t.required }

func (t fakeTemplate) Create(params map[string]string) string {
	return testGuide
}

func (t fakeTemplate) Summary(map[string]string) string {
	return testSummary
}

func (t fakeTemplate) Merge(_ map[string]string, memo, summary string) string {
	return "merge\n" + memo + "\n" + summary
}

func (t fakeTemplate) Inherit(_ map[string]string, memo, history string) string {
	return "inherit\n" + memo + "\n" + history
}

func (t fakeTemplate) CompileHistory(messages []domain.Message, _ map[string]string) (string, []domain.Message) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Sender == domain.SenderUser && m.Tokens < 50 {
			return "User: " + m.Content, []domain.Message{m}
		}
	}
	return "", nil
}

func (t fakeTemplate) CompileMessage(m domain.Message) string {
	if m.Remark[domain.RemarkClassify] == "pending" {
		return ""
	}
	return m.Remark[domain.RemarkRaw]
}

func (t fakeTemplate) ClassifyMessage(m domain.Message) string {
	return "classify: " + m.Remark[domain.RemarkRaw]
}

type fakeCatalog map[string]ports.Template

func (c fakeCatalog) Get(sessionType string) (ports.Template, bool) {
	tmpl, ok := c[sessionType]
	return tmpl, ok
}

func (c fakeCatalog) Types() []string {
	out := make([]string, 0, len(c))
	for typ := range c {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func newTestCatalog() fakeCatalog {
	return fakeCatalog{
		"base":  fakeTemplate{typ: "base", level: 1},
		"named": fakeTemplate{typ: "named", level: 2, required: []string{"name"}},
	}
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

// sleep records d and waits at most a millisecond.
func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	l.waits = append(l.waits, d)
	l.mu.Unlock()
	return sleepContext(ctx, min(d, time.Millisecond))
}

func (l *sleepLog) recorded() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.waits...)
}

func newTestScheduler(web ports.ChatEngine, hosted ports.HostedEngine, sleeps *sleepLog) *Scheduler {
	if sleeps == nil {
		sleeps = &sleepLog{}
	}
	return NewScheduler(web, hosted,
		WithSleep(sleeps.sleep),
		WithJitter(func() time.Duration { return 0 }),
		WithPollInterval(time.Millisecond),
	)
}

func newTestRepo(t *testing.T) *tomlrepo.Repository {
	t.Helper()

	config := viper.New()
	config.Set(tomlrepo.DatabasePathKey, filepath.Join(t.TempDir(), "database"))
	repo, err := tomlrepo.NewRepository(config, fixedClock{now: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	return repo
}

func fastWorkerBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, workerRetries)
}

func testSessionOptions() []SessionOption {
	return []SessionOption{WithWorkerBackOff(fastWorkerBackOff)}
}

// startTestSession creates the session directory and starts its actor. The
// session is closed when the test ends.
func startTestSession(t *testing.T, repo ports.SessionRepository, scheduler *Scheduler, id string) *Session {
	t.Helper()

	index := domain.SessionIndex{ID: id, Type: "base", Level: 1, Params: map[string]string{}}
	require.NoError(t, repo.Create(context.Background(), index))

	s := NewSession(index, fakeTemplate{typ: "base", level: 1}, repo, scheduler, testSessionOptions()...)
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func longText(words int) string {
	return strings.TrimSpace(strings.Repeat("the ", words))
}

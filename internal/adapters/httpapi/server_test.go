package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tomlrepo "github.com/bnema/chatsession/internal/adapters/repo/toml"
	"github.com/bnema/chatsession/internal/adapters/text"
	"github.com/bnema/chatsession/internal/application"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHosted struct {
	mu    sync.Mutex
	calls int
}

func (e *echoHosted) Complete(_ context.Context, turns []domain.Turn) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return "echo: " + turns[len(turns)-1].Content, nil
}

func writeBaseType(t *testing.T, root string) {
	t.Helper()

	dir := filepath.Join(root, "base")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	files := map[string]string{
		"text.toml":   "level = 1\nparams = [\"name\"]\n",
		"create.txt":  "You are ${name}.",
		"summary.txt": "Summarize.",
		"merge.txt":   "${memo}\n${summary}",
		"inherit.txt": "You are ${name}.\n${memo}\n${history}",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	root := t.TempDir()
	writeBaseType(t, filepath.Join(root, "text"))

	cfg := viper.New()
	cfg.Set(text.TextPathKey, filepath.Join(root, "text"))
	cfg.Set(tomlrepo.DatabasePathKey, filepath.Join(root, "database"))

	catalog, err := text.NewCatalog(cfg, nil)
	require.NoError(t, err)
	repo, err := tomlrepo.NewRepository(cfg, ports.SystemClock{})
	require.NoError(t, err)

	scheduler := application.NewScheduler(nil, &echoHosted{})
	manager, err := application.NewSessionManager(context.Background(), repo, catalog, scheduler)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return NewServer(manager, WithMetricsHandler(promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})))
}

func doRequest(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createSession(t *testing.T, s *Server, id string) {
	t.Helper()

	rec := doRequest(t, s, http.MethodPut, "/api/create?type=base&id="+id, map[string]string{"name": "Ann"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	waitSessionIdle(t, s, id)
}

func waitSessionIdle(t *testing.T, s *Server, id string) {
	t.Helper()

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/status?id="+id, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		var view sessionView
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &view) != nil {
			return false
		}
		return view.State == "idle" && view.Status == "idle"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPingAndTypes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = doRequest(t, s, http.MethodGet, "/api/types", nil)
	assert.Equal(t, []string{"base"}, decode[[]string](t, rec))

	rec = doRequest(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	createSession(t, s, "taken")

	tests := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{name: "missing id", target: "/api/create?type=base", body: map[string]string{"name": "Ann"}, want: http.StatusBadRequest},
		{name: "missing type", target: "/api/create?id=x", want: http.StatusBadRequest},
		{name: "unknown type", target: "/api/create?id=x&type=poetry", want: http.StatusNotFound},
		{name: "missing param", target: "/api/create?id=x&type=base", want: http.StatusBadRequest},
		{name: "bad params body", target: "/api/create?id=x&type=base", body: []int{1}, want: http.StatusBadRequest},
		{name: "duplicate", target: "/api/create?id=taken&type=base", body: map[string]string{"name": "Ann"}, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestConversationFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	createSession(t, s, "chat")

	rec := doRequest(t, s, http.MethodPost, "/api/append?id=chat&wait=true", appendRequest{Text: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "echo: hello", decode[replyView](t, rec).Content)

	rec = doRequest(t, s, http.MethodGet, "/api/get?id=chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo: hello", decode[replyView](t, rec).Content)

	rec = doRequest(t, s, http.MethodGet, "/api/history?id=chat", nil)
	history := decode[[]messageView](t, rec)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, "user", history[len(history)-2].Sender)
	assert.Equal(t, "echo: hello", history[len(history)-1].Content)

	rec = doRequest(t, s, http.MethodGet, "/api/status?id=chat", nil)
	status := decode[sessionView](t, rec)
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, "hosted", status.Engine)
	assert.Equal(t, "idle", status.Status)
	assert.Positive(t, status.Tokens)

	rec = doRequest(t, s, http.MethodGet, "/api/memo?id=chat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec), "memo")

	rec = doRequest(t, s, http.MethodGet, "/api/list", nil)
	list := decode[[]sessionView](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "chat", list[0].ID)
}

func TestAppendRejectsEmptyText(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	createSession(t, s, "chat")

	rec := doRequest(t, s, http.MethodPost, "/api/append?id=chat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/append?id=chat", appendRequest{Text: strings.Repeat("the ", 2000)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRemarkAndParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	createSession(t, s, "chat")

	rec := doRequest(t, s, http.MethodPut, "/api/remark?id=chat", map[string]string{"mood": "calm"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doRequest(t, s, http.MethodGet, "/api/remark?id=chat", nil)
	assert.Equal(t, map[string]string{"mood": "calm"}, decode[map[string]string](t, rec))

	rec = doRequest(t, s, http.MethodPut, "/api/params?id=chat", map[string]string{"level": "3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[sessionView](t, rec)
	assert.Equal(t, 3, view.Level)
	assert.Equal(t, "Ann", view.Params["name"])

	rec = doRequest(t, s, http.MethodPut, "/api/params?id=chat", map[string]string{"level": "high"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpointsRequireKnownSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, target := range []string{"/api/status", "/api/history", "/api/memo", "/api/get"} {
		rec := doRequest(t, s, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		rec = doRequest(t, s, http.MethodGet, target+"?id=ghost", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/compress?id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInheritAndDelete(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	createSession(t, s, "parent")

	rec := doRequest(t, s, http.MethodPut, "/api/inherit?id=child&from=parent", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "base", decode[sessionView](t, rec).Type)
	waitSessionIdle(t, s, "child")

	rec = doRequest(t, s, http.MethodPut, "/api/inherit?id=orphan&from=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/api/delete?id=child", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decode[map[string]string](t, rec)["archived"], ".child.")

	rec = doRequest(t, s, http.MethodGet, "/api/status?id=child", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendAway(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/send_away", sendAwayRequest{Text: "quick one"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "echo: quick one", decode[map[string]string](t, rec)["content"])

	rec = doRequest(t, s, http.MethodPost, "/api/send_away", map[string]int{"level": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeShutsDownWithContext(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/api/ping")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

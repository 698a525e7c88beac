package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	tomlrepo "github.com/bnema/chatsession/internal/adapters/repo/toml"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestSessionAddThenList(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	stdout, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session alice created (type friend, level 2)")

	stdout, _, err = executeCLI(t, home, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ID")
	assert.Contains(t, stdout, "alice")
	assert.Contains(t, stdout, "friend")

	stdout, _, err = executeCLI(t, home, "session", "list", "--json")
	require.NoError(t, err)
	var indexes []domain.SessionIndex
	require.NoError(t, json.Unmarshal([]byte(stdout), &indexes))
	require.Len(t, indexes, 1)
	assert.Equal(t, "Bob", indexes[0].Params["name"])
}

func TestSessionListEmpty(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "session", "list")
	require.NoError(t, err)
	assert.Equal(t, "no sessions\n", stdout)
}

func TestSessionAddErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "type flag is required",
			args:    []string{"session", "add", "alice"},
			wantErr: "required flag(s) \"type\" not set",
		},
		{
			name:    "unknown type",
			args:    []string{"session", "add", "alice", "--type", "poetry"},
			wantErr: "session type \"poetry\"",
		},
		{
			name:    "missing required param",
			args:    []string{"session", "add", "alice", "--type", "friend"},
			wantErr: "missing params name",
		},
		{
			name:    "bad level",
			args:    []string{"session", "add", "alice", "--type", "friend", "--param", "name=Bob", "--param", "level=high"},
			wantErr: "level \"high\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			require.NoError(t, writeTextFixture(home))

			_, _, err := executeCLI(t, home, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSessionAddDuplicate(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	_, _, err = executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSessionShow(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "session", "show", "alice")
	require.NoError(t, err)
	assert.Equal(t, "no conversation yet\n", stdout)

	conv := domain.NewConversation("You are Bob.", "Alice likes tea.", "")
	conv.AppendMessage(domain.NewMessage("", domain.SenderUser, "hello", nil))
	conv.AppendMessage(domain.NewMessage("m-1", domain.SenderAI, "hi there", nil))
	conv.AppendMessage(domain.NewMessage("m-2", domain.SenderAI, "ok", map[string]string{domain.RemarkHandshake: "true"}))
	saveConversation(t, home, "alice", conv)

	stdout, _, err = executeCLI(t, home, "session", "show", "alice")
	require.NoError(t, err)
	assert.Contains(t, stdout, "memo:\nAlice likes tea.")
	assert.Contains(t, stdout, "user: hello")
	assert.Contains(t, stdout, "ai: hi there")
	assert.NotContains(t, stdout, "ai: ok")

	stdout, _, err = executeCLI(t, home, "session", "show", "alice", "--memo")
	require.NoError(t, err)
	assert.Equal(t, "Alice likes tea.\n", stdout)

	stdout, _, err = executeCLI(t, home, "session", "show", "alice", "--json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "\"Memo\": \"Alice likes tea.\"")
}

func TestSessionShowUnknown(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "session", "show", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionParamsUpdatesIndex(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "session", "params", "alice", "--param", "level=5", "--param", "name=Carol")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session alice updated (level 5)")

	stdout, _, err = executeCLI(t, home, "session", "list", "--json")
	require.NoError(t, err)
	var indexes []domain.SessionIndex
	require.NoError(t, json.Unmarshal([]byte(stdout), &indexes))
	require.Len(t, indexes, 1)
	assert.Equal(t, 5, indexes[0].Level)
	assert.Equal(t, "Carol", indexes[0].Params["name"])

	_, _, err = executeCLI(t, home, "session", "params", "alice", "--param", "name=")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidParam)
}

func TestSessionRemoveArchives(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "session", "remove", "alice")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session alice archived to")
	assert.Contains(t, stdout, filepath.Join(home, ".chatsession", "database", ".alice."))

	stdout, _, err = executeCLI(t, home, "session", "list")
	require.NoError(t, err)
	assert.Equal(t, "no sessions\n", stdout)

	_, _, err = executeCLI(t, home, "session", "remove", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeySetListDelete(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "key", "set", "openai/main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"value\" not set")

	stdout, _, err := executeCLI(t, home, "key", "set", "openai/main", "--value", "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "key openai/main stored\n", stdout)

	raw, err := os.ReadFile(filepath.Join(home, ".chatsession", "secrets", "openai", "main"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", string(bytes.TrimSpace(raw)))

	stdout, _, err = executeCLI(t, home, "key", "list")
	require.NoError(t, err)
	assert.Equal(t, "openai/main\n", stdout)

	_, _, err = executeCLI(t, home, "key", "delete", "openai/main")
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, home, "key", "list")
	require.NoError(t, err)
	assert.Equal(t, "no keys\n", stdout)
}

func TestStatusRendersSessions(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Chat Sessions")
	assert.Contains(t, stdout, "sessions: 1")
	assert.Contains(t, stdout, "alice (friend, level 2)")
	assert.NotContains(t, stdout, "web accounts")
}

func TestStatusJSONOutput(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeTextFixture(home))

	_, _, err := executeCLI(t, home, "session", "add", "alice", "--type", "friend", "--param", "name=Bob")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "status", "--json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "\"ID\": \"alice\"")
	assert.Contains(t, stdout, "\"Unloaded\": true")
}

func TestStatusWithAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/account/valid", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("level"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"acc-1","email":"one@example.com","is_logged_in":true,"counter":3,"level":1}]`))
	}))
	defer server.Close()

	home := t.TempDir()
	require.NoError(t, writeConfigFixture(home, fmt.Sprintf("[engines.web]\nurl = %q\n", server.URL)))

	stdout, stderr, err := executeCLI(t, home, "status", "--accounts", "--level", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "web accounts: 1")
	assert.Contains(t, stdout, "one@example.com (acc-1)")
	assert.Contains(t, stdout, "load 3")
	assert.Contains(t, stderr, "Listing web accounts at")
}

func TestStatusAccountsWithoutWebEngine(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "status", "--accounts")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusAccountsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	home := t.TempDir()
	require.NoError(t, writeConfigFixture(home, fmt.Sprintf("[engines.web]\nurl = %q\n", server.URL)))

	_, _, err := executeCLI(t, home, "status", "--accounts")
	require.Error(t, err)
	var upstream *domain.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
}

func TestAskRequiresAnEngine(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "ask", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoResource)
	assert.Contains(t, err.Error(), "no engine configured")
}

func TestConfigFlagMustExist(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "--config", filepath.Join(home, "missing.toml"), "session", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLogFormatIsValidated(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeConfigFixture(home, "[log]\nformat = \"xml\"\n"))

	_, _, err := executeCLI(t, home, "session", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log.format \"xml\"")
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfigFixture(home, content string) error {
	configDir := filepath.Join(home, ".chatsession")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o600)
}

func writeTextFixture(home string) error {
	dir := filepath.Join(home, ".chatsession", "text", "friend")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	files := map[string]string{
		"text.toml":   "version = 1\nlevel = 2\nparams = [\"name\"]\n",
		"create.txt":  "You are ${name}.",
		"summary.txt": "Summarize the chat with ${name}.",
		"merge.txt":   "Old:\n${memo}\nNew:\n${summary}",
		"inherit.txt": "You are ${name}.\n${memo}\n${history}",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func saveConversation(t *testing.T, home, id string, conv *domain.Conversation) {
	t.Helper()

	cfg := viper.New()
	cfg.Set(tomlrepo.DatabasePathKey, filepath.Join(home, ".chatsession", "database"))
	repo, err := tomlrepo.NewRepository(cfg, ports.SystemClock{})
	require.NoError(t, err)
	require.NoError(t, repo.Store(id).Save(context.Background(), conv))
}

func TestUnknownSecretsBackend(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeConfigFixture(home, "[secrets]\nbackend = \"vault\"\n"))

	_, _, err := executeCLI(t, home, "key", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidParam)
	assert.Contains(t, err.Error(), "unknown secrets.backend \"vault\"")
}

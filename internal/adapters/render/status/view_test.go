package status

import (
	"testing"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConversation(engine domain.EngineKind, status domain.PointerStatus, words int) *domain.Conversation {
	conv := domain.NewConversation("guide", "", "")
	conv.Pointer.Engine = engine
	conv.Pointer.Account = "acc-a"
	conv.Pointer.Status = status
	for i := 0; i < words; i += 100 {
		content := ""
		for j := 0; j < 99; j++ {
			content += "the "
		}
		conv.AppendMessage(domain.NewMessage("m", domain.SenderUser, content, nil))
	}
	return conv
}

func TestRenderSessions(t *testing.T) {
	t.Parallel()

	conv := testConversation(domain.EngineRateLimited, domain.StatusIdle, 200)
	conv.Memo = "- remembered"
	row := NewSessionRow(domain.SessionIndex{ID: "alpha", Type: "base", Level: 1}, conv)

	output, err := Render(Report{Sessions: []SessionRow{row}})
	require.NoError(t, err)
	assert.Contains(t, output, "Chat Sessions")
	assert.Contains(t, output, "sessions: 1")
	assert.Contains(t, output, "alpha (base, level 1)")
	assert.Contains(t, output, "engine: web @ acc-a")
	assert.Contains(t, output, "status: idle")
	assert.Contains(t, output, "tokens:")
	assert.Contains(t, output, "/2560")
	assert.Contains(t, output, "messages: 2")
	assert.NotContains(t, output, "web accounts")
	assert.NotContains(t, output, "[message queued]")
}

func TestRenderUnloadedAndQueuedSessions(t *testing.T) {
	t.Parallel()

	queued := testConversation(domain.EngineHosted, domain.StatusBreak, 100)
	msg := domain.NewMessage("q", domain.SenderUser, "later", nil)
	queued.QueueMessage = &msg

	output, err := Render(Report{Sessions: []SessionRow{
		NewSessionRow(domain.SessionIndex{ID: "fresh", Type: "base", Level: 1}, nil),
		NewSessionRow(domain.SessionIndex{ID: "busy", Type: "group", Level: 2}, queued),
	}})
	require.NoError(t, err)
	assert.Contains(t, output, "no conversation yet")
	assert.Contains(t, output, "/2048")
	assert.Contains(t, output, "break")
	assert.Contains(t, output, "[message queued]")
}

func TestRenderEmptyReport(t *testing.T) {
	t.Parallel()

	output, err := Render(Report{Accounts: []domain.AccountInfo{}})
	require.NoError(t, err)
	assert.Contains(t, output, "No sessions stored.")
	assert.Contains(t, output, "web accounts: 0")
	assert.Contains(t, output, "No account available.")
}

func TestRenderAccounts(t *testing.T) {
	t.Parallel()

	output, err := Render(Report{Accounts: []domain.AccountInfo{
		{ID: "a", Email: "a@example.com", IsLoggedIn: true, Counter: 4, IsBusy: true},
		{ID: "b", IsDisabled: true, Err: "expired"},
		{ID: "c"},
	}})
	require.NoError(t, err)
	assert.Contains(t, output, "a@example.com (a)")
	assert.Contains(t, output, "load 8")
	assert.Contains(t, output, "[busy]")
	assert.Contains(t, output, "[disabled, expired]")
	assert.Contains(t, output, "[logged out]")
}

func TestRenderProgressBar(t *testing.T) {
	t.Parallel()

	s := newStyles()
	tests := []struct {
		name    string
		percent float64
		want    string
	}{
		{name: "empty", percent: 0, want: "[----]"},
		{name: "half", percent: 50, want: "[==--]"},
		{name: "over full", percent: 180, want: "[====]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, renderProgressBar(tt.percent, 4, s))
		})
	}
}

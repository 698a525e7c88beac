package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/bnema/chatsession/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountLoadDoublesBusyCounter(t *testing.T) {
	assert.Equal(t, 5, AccountInfo{Counter: 5}.Load())
	assert.Equal(t, 2, AccountInfo{Counter: 1, IsBusy: true}.Load())
	assert.Equal(t, 0, AccountInfo{IsBusy: true}.Load())
}

func TestConversationTokenAccounting(t *testing.T) {
	c := NewConversation("you are a helpful friend", "", "")
	require.Equal(t, token.Len("you are a helpful friend")+1, c.Tokens)
	require.True(t, c.TokensConsistent())

	c.AppendMessage(NewMessage("", SenderAI, "hello there", nil))
	c.AppendMessage(NewMessage("", SenderUser, "how are you doing today", nil))
	assert.True(t, c.TokensConsistent())

	popped := c.PopTrailingUser()
	require.NotNil(t, popped)
	assert.Equal(t, "how are you doing today", popped.Content)
	assert.True(t, c.TokensConsistent())
	assert.Nil(t, c.PopTrailingUser())

	c.Tokens += 7
	assert.False(t, c.TokensConsistent())
	c.Recount()
	assert.True(t, c.TokensConsistent())
}

func TestConversationCloneIsDeep(t *testing.T) {
	c := NewConversation("guide", "", "")
	c.AppendMessage(NewMessage("m1", SenderUser, "hi", map[string]string{RemarkRaw: "hi"}))
	queued := NewMessage("", SenderUser, "later", nil)
	c.QueueMessage = &queued

	clone := c.Clone()
	clone.Messages[0].Remark[RemarkRaw] = "changed"
	clone.QueueMessage.Content = "changed"
	clone.AppendMessage(NewMessage("", SenderAI, "extra", nil))

	assert.Equal(t, "hi", c.Messages[0].Remark[RemarkRaw])
	assert.Equal(t, "later", c.QueueMessage.Content)
	assert.Len(t, c.Messages, 1)
}

func TestConversationTranscriptAppendsPromptWhileCompressing(t *testing.T) {
	c := NewConversation("guide", "", "")
	c.AppendMessage(NewMessage("", SenderAI, "welcome", nil))
	c.AppendMessage(NewMessage("", SenderUser, "question", nil))
	c.AppendMessage(NewMessage("", SenderAI, "answer", nil))

	turns := c.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, Turn{Sender: SenderUser, Content: "guide"}, turns[0])
	assert.Equal(t, SenderAI, turns[3].Sender)

	c.Pointer.Status = StatusFulled
	c.Pointer.Prompt = "summarize please"
	turns = c.Transcript()
	require.Len(t, turns, 5)
	assert.Equal(t, Turn{Sender: SenderUser, Content: "summarize please"}, turns[4])
}

func TestPointerStatusOrderingAndParsing(t *testing.T) {
	tests := []struct {
		name        string
		status      PointerStatus
		compressing bool
	}{
		{name: "uninitialized", status: StatusUninitialized, compressing: false},
		{name: "idle", status: StatusIdle, compressing: false},
		{name: "fulled", status: StatusFulled, compressing: true},
		{name: "summarized", status: StatusSummarized, compressing: true},
		{name: "merged", status: StatusMerged, compressing: true},
		{name: "cleaned", status: StatusCleaned, compressing: true},
		{name: "break", status: StatusBreak, compressing: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.compressing, tt.status.IsCompressing())
			parsed, err := ParsePointerStatus(tt.status.String())
			require.NoError(t, err)
			assert.Equal(t, tt.status, parsed)
		})
	}

	_, err := ParsePointerStatus("exploded")
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestParseEngineKind(t *testing.T) {
	kind, err := ParseEngineKind("web")
	require.NoError(t, err)
	assert.Equal(t, EngineRateLimited, kind)

	kind, err = ParseEngineKind("")
	require.NoError(t, err)
	assert.Equal(t, EngineNone, kind)
	assert.Equal(t, "unassigned", kind.Label())

	_, err = ParseEngineKind("RevChatGPTWeb")
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestPointerResolved(t *testing.T) {
	assert.True(t, EnginePointer{}.Resolved())
	assert.False(t, EnginePointer{InFlightID: "m2", ReplyID: "m1"}.Resolved())
	assert.True(t, EnginePointer{InFlightID: "m2", ReplyID: "m2"}.Resolved())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel(map[string]string{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	level, err = ParseLevel(map[string]string{ParamLevel: " 4 "}, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, level)

	_, err = ParseLevel(map[string]string{ParamLevel: "high"}, 2)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: http.StatusOK},
		{err: fmt.Errorf("add session: %w", ErrInvalidParam), want: http.StatusBadRequest},
		{err: ErrNotFound, want: http.StatusNotFound},
		{err: ErrAlreadyExists, want: http.StatusConflict},
		{err: ErrUnauthorized, want: http.StatusUnauthorized},
		{err: ErrServerIsBusy, want: http.StatusServiceUnavailable},
		{err: ErrTooLarge, want: http.StatusRequestEntityTooLarge},
		{err: ErrNotAcceptable, want: http.StatusNotAcceptable},
		{err: ErrNotImplemented, want: http.StatusNotImplemented},
		{err: ErrInternal, want: http.StatusInternalServerError},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	err := &UpstreamError{Op: "send", StatusCode: 409, Body: "conflict"}
	assert.Equal(t, "send: upstream status 409: conflict", err.Error())
	assert.Equal(t, "send: upstream status 500", (&UpstreamError{Op: "send", StatusCode: 500}).Error())
}

func TestFenceMemo(t *testing.T) {
	assert.Equal(t, "```\n- likes tea\n```", FenceMemo("```\n- likes tea\n```\n"))
	assert.Equal(t, "```\nplain\n```", FenceMemo("plain"))
}

func TestFullTokensByEngine(t *testing.T) {
	assert.Equal(t, FullTokensHosted, FullTokens(EngineHosted))
	assert.Equal(t, FullTokensRateLimited, FullTokens(EngineRateLimited))
}

func TestPruneMemoRemovesLongestBulletsFirst(t *testing.T) {
	lines := []string{"Memo of the user:"}
	for i := 0; i < 7; i++ {
		lines = append(lines, "- "+strings.TrimSpace(strings.Repeat("remember this detail ", 20+5*i)))
	}
	lines = append(lines, "end of memo")
	memo := strings.Join(lines, "\n")
	require.Greater(t, MemoCost(memo), MemoTargetTokens)

	pruned := PruneMemo(memo, MemoTargetTokens)

	assert.LessOrEqual(t, MemoCost(pruned), MemoTargetTokens)
	assert.True(t, strings.HasPrefix(pruned, "Memo of the user:"))
	assert.True(t, strings.HasSuffix(pruned, "end of memo"))

	kept := strings.Split(pruned, "\n")
	keptSet := map[string]bool{}
	for _, line := range kept {
		keptSet[line] = true
	}
	var removed []string
	for _, line := range lines {
		if !keptSet[line] {
			removed = append(removed, line)
		}
	}
	require.NotEmpty(t, removed)

	shortestRemoved := removed[0]
	for _, line := range removed {
		assert.True(t, strings.HasPrefix(line, "- "))
		if token.Len(line) < token.Len(shortestRemoved) {
			shortestRemoved = line
		}
	}
	for _, line := range kept {
		if strings.HasPrefix(line, "- ") {
			assert.LessOrEqual(t, token.Len(line), token.Len(shortestRemoved))
		}
	}
	assert.Greater(t, MemoCost(pruned)+token.Len(shortestRemoved), MemoTargetTokens)
}

func TestPruneMemoKeepsNonBulletMemo(t *testing.T) {
	memo := strings.TrimSpace(strings.Repeat("plain sentence without bullets\n", 200))
	pruned := PruneMemo(memo, MemoTargetTokens)
	assert.Equal(t, memo, pruned)
}

func TestConversationTranscriptSkipsHandshakeAndUsesClassifyPrompt(t *testing.T) {
	c := NewConversation("guide", "memo", "history")
	c.AppendMessage(NewMessage("", SenderUser, "old question", map[string]string{RemarkInherit: "true"}))
	c.AppendMessage(NewMessage("", SenderAI, "old answer", map[string]string{RemarkInherit: "true"}))
	c.AppendMessage(NewMessage("", SenderAI, "ready", map[string]string{RemarkHandshake: "true"}))
	c.AppendMessage(NewMessage("", SenderUser, "", map[string]string{RemarkClassifyPrompt: "pick a letter"}))

	turns := c.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, "old answer", turns[2].Content)
	assert.Equal(t, Turn{Sender: SenderUser, Content: "pick a letter"}, turns[3])
	assert.True(t, c.TokensConsistent())
}

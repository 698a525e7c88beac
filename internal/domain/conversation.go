package domain

import "github.com/bnema/chatsession/internal/token"

// Conversation is the live memory of a session: the guide that opened the
// remote conversation, the accreted memo, and every message since.
type Conversation struct {
	Guide         string
	Memo          string
	RecentHistory string
	Messages      []Message
	Pointer       EnginePointer
	Tokens        int
	QueueMessage  *Message
	BreakMessage  *Message
}

func NewConversation(guide, memo, history string) *Conversation {
	return &Conversation{
		Guide:         guide,
		Memo:          memo,
		RecentHistory: history,
		Messages:      []Message{},
		Tokens:        token.Len(guide) + 1,
	}
}

func (c *Conversation) AppendMessage(m Message) {
	if m.Remark == nil {
		m.Remark = map[string]string{}
	}
	c.Messages = append(c.Messages, m)
	c.Tokens += token.Len(m.Content) + 1
}

// SetMessages replaces the message list and recounts tokens.
func (c *Conversation) SetMessages(messages []Message) {
	c.Messages = messages
	c.Recount()
}

func (c *Conversation) Recount() {
	c.Tokens = c.expectedTokens()
}

func (c *Conversation) TokensConsistent() bool {
	return c.Tokens == c.expectedTokens()
}

func (c *Conversation) expectedTokens() int {
	total := token.Len(c.Guide) + 1
	for _, m := range c.Messages {
		total += token.Len(m.Content) + 1
	}
	return total
}

func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c *Conversation) LastSender() Sender {
	last, ok := c.LastMessage()
	if !ok {
		return ""
	}
	return last.Sender
}

// PopTrailingUser removes the last message when a user sent it.
func (c *Conversation) PopTrailingUser() *Message {
	last, ok := c.LastMessage()
	if !ok || last.Sender != SenderUser {
		return nil
	}
	c.Messages = c.Messages[:len(c.Messages)-1]
	c.Tokens -= token.Len(last.Content) + 1
	return &last
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	if c.QueueMessage != nil {
		queued := c.QueueMessage.Clone()
		out.QueueMessage = &queued
	}
	if c.BreakMessage != nil {
		broken := c.BreakMessage.Clone()
		out.BreakMessage = &broken
	}
	return &out
}

// Transcript replays the guide as the first user turn followed by every
// stored message. Handshake replies are left out; a user message awaiting
// classification is replayed as its classification prompt.
func (c *Conversation) Transcript() []Turn {
	turns := make([]Turn, 0, len(c.Messages)+2)
	turns = append(turns, Turn{Sender: SenderUser, Content: c.Guide})
	for _, m := range c.Messages {
		if m.Flag(RemarkHandshake) {
			continue
		}
		content := m.Content
		if content == "" && m.Sender == SenderUser {
			content = m.Remark[RemarkClassifyPrompt]
		}
		turns = append(turns, Turn{Sender: m.Sender, Content: content})
	}
	if c.Pointer.Status.IsCompressing() {
		turns = append(turns, Turn{Sender: SenderUser, Content: c.Pointer.Prompt})
	}
	return turns
}

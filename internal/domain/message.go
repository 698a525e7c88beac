package domain

import (
	"maps"

	"github.com/bnema/chatsession/internal/token"
)

type Sender string

const (
	SenderAI   Sender = "ai"
	SenderUser Sender = "user"
)

const (
	RemarkRaw            = "raw"
	RemarkClassify       = "classify"
	RemarkClassifyPrompt = "classify_prompt"
	RemarkInherit        = "inherit"
	RemarkHandshake      = "handshake"
)

type Message struct {
	ID      string
	Sender  Sender
	Content string
	Tokens  int
	Remark  map[string]string
}

func NewMessage(id string, sender Sender, content string, remark map[string]string) Message {
	if remark == nil {
		remark = map[string]string{}
	}
	return Message{
		ID:      id,
		Sender:  sender,
		Content: content,
		Tokens:  token.Len(content),
		Remark:  remark,
	}
}

func (m Message) Clone() Message {
	out := m
	if m.Remark != nil {
		out.Remark = maps.Clone(m.Remark)
	}
	return out
}

func (m Message) Flag(key string) bool {
	return m.Remark[key] == "true"
}

// Turn is one role-tagged entry of a transcript replayed to the hosted engine.
type Turn struct {
	Sender  Sender
	Content string
}

package text

import (
	"strings"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/token"
)

// ClassifyRequest in remark["classify"] asks for the classification prompt
// to be sent in place of the message.
const ClassifyRequest = "?"

const (
	emptyHistory = "<empty>"
	pruneKeep    = 100
)

type rule interface {
	compileMessage(message domain.Message) string
	classifyMessage(message domain.Message) string
}

var rules = map[string]rule{
	"base":     baseRule{},
	"classify": classifyRule{},
}

var senderLabels = map[domain.Sender]string{
	domain.SenderAI:   "You",
	domain.SenderUser: "User",
}

func rawContent(message domain.Message) string {
	if raw, ok := message.Remark[domain.RemarkRaw]; ok {
		return raw
	}
	return message.Content
}

// baseRule sends messages as typed.
type baseRule struct{}

func (baseRule) compileMessage(message domain.Message) string {
	return rawContent(message)
}

func (baseRule) classifyMessage(message domain.Message) string {
	return rawContent(message)
}

// classifyRule lets a caller first ask the engine to classify a message and
// then send it with a tone tip matching the category.
type classifyRule struct{}

func (classifyRule) compileMessage(message domain.Message) string {
	raw := rawContent(message)
	category := strings.TrimSpace(message.Remark[domain.RemarkClassify])
	if category == ClassifyRequest {
		return ""
	}
	if category == "" {
		return raw
	}

	tip := toneTips[strings.ToUpper(category[:1])]
	if tip == "" {
		return raw
	}
	return raw + "\n\n" + tip
}

func (classifyRule) classifyMessage(message domain.Message) string {
	return rawContent(message) + classifyPrompt
}

const classifyPrompt = `

------
The text above was sent to you by a person. Pick the single category that fits it best.

A. Politics, military affairs or social theory;
B. Sexual or illegal content;
C. Rude or disrespectful content;
D. Disgusting content;
E. Absurd or illogical content;
F. Riddles and trick questions;
G. Trivial or pointless content;
H. Hobbies, entertainment, films or sports;
I. Jokes;
J. Other academic topics or service questions;
K. Personal emotional trouble;
L. Something urgent;
M. Other small talk;
N. Cannot tell.

REPLY WITH ONE CAPITAL LETTER AND NOTHING ELSE.
`

var toneTips = map[string]string{
	"A": "(This topic is off limits here. Dodge it in under 30 words, playing a nervous fool, and never explain the act.)",
	"B": "(This topic is inappropriate. Dodge it in under 30 words, playing a flustered fool, and never explain the act.)",
	"C": "(This is rude. Answer in under 30 words as a theatrical hothead and never explain the act.)",
	"D": "(This is gross. Answer in under 30 words as a cheerful lunatic and never explain the act.)",
	"E": "(This is absurd. Tease it in under 30 words as a cheerful lunatic and never explain the act.)",
	"F": "(This is a trick question. Step outside the obvious logic and find the hidden answer.)",
	"G": "(This is silly. Reply in under 30 words, doubting the asker's wits with a wink.)",
	"H": "(Reply in two or three playful sentences, under 30 words, without explaining the joke.)",
	"I": "(This is a joke. Banter back in two or three sentences, under 30 words, without explaining it.)",
	"K": "(The asker is upset. Acknowledge the feeling first, comfort them, then ask for details.)",
	"M": "(Reply in two or three playful sentences, under 30 words, without explaining the joke.)",
}

// compileHistory renders the tail of a conversation for an inherit guide.
// Messages are taken in user/AI pairs from the end, long ones cut down,
// until the rendered pairs pass the pair budget. Handshake replies are
// never part of the history. The retained messages are the cut copies.
func compileHistory(messages []domain.Message) (string, []domain.Message) {
	work := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Flag(domain.RemarkHandshake) {
			continue
		}
		m = m.Clone()
		m.Content = rawContent(m)
		m.Tokens = token.Len(m.Content)
		work = append(work, m)
	}
	if len(work) < 2 {
		return emptyHistory, nil
	}

	i := len(work) - 2
	total := work[i].Tokens + work[i+1].Tokens + 2
	if total > domain.HistoryPairTokens {
		pruneMessage(&work[i])
		total = work[i].Tokens + work[i+1].Tokens + 2
		if total > domain.HistoryPairTokens {
			pruneMessage(&work[i+1])
			total = work[i].Tokens + work[i+1].Tokens + 2
		}
	}

	for i -= 2; i >= 0; i -= 2 {
		pruneMessage(&work[i])
		pruneMessage(&work[i+1])
		total += work[i].Tokens + work[i+1].Tokens + 2
		if total > domain.HistoryPairTokens {
			break
		}
	}
	i += 2

	retained := work[i:]
	var b strings.Builder
	for _, m := range retained {
		b.WriteString(senderLabels[m.Sender])
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String(), retained
}

// pruneMessage keeps the first and last runes of a message above the
// prune threshold.
func pruneMessage(m *domain.Message) {
	if m.Tokens <= domain.PruneMessageTokens {
		return
	}
	runes := []rune(m.Content)
	if len(runes) > 2*pruneKeep {
		m.Content = string(runes[:pruneKeep]) + "..." + string(runes[len(runes)-pruneKeep:])
	}
	m.Tokens = token.Len(m.Content)
}

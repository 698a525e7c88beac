package toml

import "fmt"

const currentSchemaVersion = 1

type indexSchema struct {
	Version int               `toml:"version"`
	ID      string            `toml:"id"`
	Type    string            `toml:"type"`
	Level   int               `toml:"level"`
	Params  map[string]string `toml:"params"`
}

func (s *indexSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
	if s.Params == nil {
		s.Params = map[string]string{}
	}
}

func (s indexSchema) validateVersion() error {
	return checkVersion("session index", s.Version)
}

type conversationSchema struct {
	Version       int             `toml:"version"`
	SavedAt       string          `toml:"saved_at"`
	Guide         string          `toml:"guide"`
	Memo          string          `toml:"memo"`
	RecentHistory string          `toml:"recent_history"`
	Tokens        int             `toml:"tokens"`
	Pointer       pointerSchema   `toml:"pointer"`
	QueueMessage  *messageSchema  `toml:"queue_message,omitempty"`
	BreakMessage  *messageSchema  `toml:"break_message,omitempty"`
	Messages      []messageSchema `toml:"messages"`
}

func (s *conversationSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s conversationSchema) validateVersion() error {
	return checkVersion("conversation", s.Version)
}

type pointerSchema struct {
	Level          int    `toml:"level"`
	Engine         string `toml:"engine"`
	Account        string `toml:"account"`
	Status         string `toml:"status"`
	Summary        string `toml:"summary"`
	Memo           string `toml:"memo"`
	AIIndex        int    `toml:"ai_index"`
	Title          string `toml:"title"`
	ConversationID string `toml:"conversation_id"`
	ReplyID        string `toml:"reply_id"`
	InFlightID     string `toml:"in_flight_id"`
	Prompt         string `toml:"prompt"`
}

type messageSchema struct {
	ID      string            `toml:"id"`
	Sender  string            `toml:"sender"`
	Content string            `toml:"content"`
	Tokens  int               `toml:"tokens"`
	Remark  map[string]string `toml:"remark,omitempty"`
}

type remarkSchema struct {
	Version int               `toml:"version"`
	Values  map[string]string `toml:"values"`
}

func (s *remarkSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
	if s.Values == nil {
		s.Values = map[string]string{}
	}
}

func (s remarkSchema) validateVersion() error {
	return checkVersion("remark", s.Version)
}

func checkVersion(kind string, version int) error {
	if version > currentSchemaVersion {
		return fmt.Errorf("unsupported %s schema version %d (current %d)", kind, version, currentSchemaVersion)
	}

	return nil
}

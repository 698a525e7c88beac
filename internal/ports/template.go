package ports

import "github.com/bnema/chatsession/internal/domain"

type Template interface {
	Type() string
	Level() int
	RequiredParams() []string
	Create(params map[string]string) string
	Summary(params map[string]string) string
	Merge(params map[string]string, memo, summary string) string
	Inherit(params map[string]string, memo, history string) string
	CompileHistory(messages []domain.Message, params map[string]string) (string, []domain.Message)
	CompileMessage(message domain.Message) string
	ClassifyMessage(message domain.Message) string
}

// TemplateCatalog is loaded once at boot and read-only afterwards.
type TemplateCatalog interface {
	Get(sessionType string) (Template, bool)
	Types() []string
}

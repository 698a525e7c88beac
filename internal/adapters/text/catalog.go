package text

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	TextPathKey = "paths.text"

	defaultConfigDir     = ".chatsession"
	defaultTextDir       = "text"
	manifestFileName     = "text.toml"
	currentSchemaVersion = 1
	defaultRule          = "base"
)

const (
	createFile  = "create.txt"
	summaryFile = "summary.txt"
	mergeFile   = "merge.txt"
	inheritFile = "inherit.txt"
)

type manifestSchema struct {
	Version int      `toml:"version"`
	Level   int      `toml:"level"`
	Rule    string   `toml:"rule"`
	Params  []string `toml:"params"`
}

func (s *manifestSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
	if strings.TrimSpace(s.Rule) == "" {
		s.Rule = defaultRule
	}
}

func (s manifestSchema) validateVersion() error {
	if s.Version != currentSchemaVersion {
		return fmt.Errorf("unsupported text manifest version %d", s.Version)
	}
	return nil
}

// Catalog holds every session type found under the text directory. It is
// read once and never changes afterwards.
type Catalog struct {
	root      string
	templates map[string]*Template
}

var _ ports.TemplateCatalog = (*Catalog)(nil)

// NewCatalog loads one session type per subdirectory of the text path.
// Directories that do not hold a valid type are skipped with a warning.
func NewCatalog(cfg *viper.Viper, logger *slog.Logger) (*Catalog, error) {
	if cfg == nil {
		cfg = viper.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.SetDefault(TextPathKey, filepath.Join(homeDir, defaultConfigDir, defaultTextDir))

	root := strings.TrimSpace(cfg.GetString(TextPathKey))
	if root == "" {
		return nil, errors.New("text path is empty")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read text directory: %w", err)
	}

	c := &Catalog{root: root, templates: map[string]*Template{}}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tmpl, err := LoadTemplate(filepath.Join(root, entry.Name()))
		if err != nil {
			logger.Warn("skipping text type", "type", entry.Name(), "error", err)
			continue
		}
		c.templates[tmpl.Type()] = tmpl
	}

	return c, nil
}

func (c *Catalog) Root() string {
	return c.root
}

func (c *Catalog) Get(sessionType string) (ports.Template, bool) {
	tmpl, ok := c.templates[sessionType]
	if !ok {
		return nil, false
	}
	return tmpl, true
}

func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.templates))
	for typ := range c.templates {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Template is one session type: its prompts and the rule that turns
// messages into prompt text.
type Template struct {
	typ      string
	level    int
	required []string
	rule     rule

	create  string
	summary string
	merge   string
	inherit string
}

var _ ports.Template = (*Template)(nil)

// LoadTemplate reads the session type stored in dir. The directory name
// is the type name.
func LoadTemplate(dir string) (*Template, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("text type %q has no %s: %w", filepath.Base(dir), manifestFileName, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read text manifest: %w", err)
	}

	var manifest manifestSchema
	if err := toml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode text manifest: %w", err)
	}
	manifest.applyDefaults()
	if err := manifest.validateVersion(); err != nil {
		return nil, err
	}

	r, ok := rules[manifest.Rule]
	if !ok {
		return nil, fmt.Errorf("text rule %q: %w", manifest.Rule, domain.ErrNotImplemented)
	}

	t := &Template{
		typ:      filepath.Base(dir),
		level:    manifest.Level,
		required: append([]string(nil), manifest.Params...),
		rule:     r,
	}
	for name, dst := range map[string]*string{
		createFile:  &t.create,
		summaryFile: &t.summary,
		mergeFile:   &t.merge,
		inheritFile: &t.inherit,
	} {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read text %s: %w", name, err)
		}
		*dst = string(content)
	}

	return t, nil
}

func (t *Template) Type() string { return t.typ }

func (t *Template) Level() int { return t.level }

func (t *Template) RequiredParams() []string {
	return append([]string(nil), t.required...)
}

func (t *Template) Create(params map[string]string) string {
	return substitute(t.create, params)
}

func (t *Template) Summary(params map[string]string) string {
	return substitute(t.summary, params)
}

func (t *Template) Merge(params map[string]string, memo, summary string) string {
	out := substitute(t.merge, params)
	out = strings.ReplaceAll(out, "${memo}", memo)
	return strings.ReplaceAll(out, "${summary}", summary)
}

func (t *Template) Inherit(params map[string]string, memo, history string) string {
	out := substitute(t.inherit, params)
	out = strings.ReplaceAll(out, "${memo}", memo)
	return strings.ReplaceAll(out, "${history}", history)
}

func (t *Template) CompileHistory(messages []domain.Message, _ map[string]string) (string, []domain.Message) {
	return compileHistory(messages)
}

func (t *Template) CompileMessage(message domain.Message) string {
	return t.rule.compileMessage(message)
}

func (t *Template) ClassifyMessage(message domain.Message) string {
	return t.rule.classifyMessage(message)
}

// substitute replaces every ${key} placeholder with its param value.
func substitute(text string, params map[string]string) string {
	if len(params) == 0 {
		return text
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		pairs = append(pairs, "${"+key+"}", params[key])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

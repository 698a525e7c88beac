package domain

import (
	"maps"
	"strconv"
	"strings"
)

const ParamLevel = "level"

type SessionIndex struct {
	ID     string
	Type   string
	Level  int
	Params map[string]string
}

func (s SessionIndex) Clone() SessionIndex {
	out := s
	out.Params = maps.Clone(s.Params)
	if out.Params == nil {
		out.Params = map[string]string{}
	}
	return out
}

// ParseLevel reads the level param, falling back when it is absent.
func ParseLevel(params map[string]string, fallback int) (int, error) {
	raw, ok := params[ParamLevel]
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	level, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalidParamf("level %q", raw)
	}
	return level, nil
}

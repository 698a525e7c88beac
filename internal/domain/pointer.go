package domain

import (
	"fmt"
	"strings"
)

type PointerStatus int

const (
	StatusUninitialized PointerStatus = iota
	StatusIdle
	StatusFulled
	StatusSummarized
	StatusMerged
	StatusCleaned
	StatusBreak
)

var pointerStatusNames = map[PointerStatus]string{
	StatusUninitialized: "uninitialized",
	StatusIdle:          "idle",
	StatusFulled:        "fulled",
	StatusSummarized:    "summarized",
	StatusMerged:        "merged",
	StatusCleaned:       "cleaned",
	StatusBreak:         "break",
}

func (s PointerStatus) String() string {
	if name, ok := pointerStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsCompressing reports whether the remote conversation is past its chat
// phase and only accepts compression prompts.
func (s PointerStatus) IsCompressing() bool {
	return s > StatusIdle && s != StatusBreak
}

func ParsePointerStatus(raw string) (PointerStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range pointerStatusNames {
		if name == normalized {
			return status, nil
		}
	}
	return StatusUninitialized, fmt.Errorf("parse pointer status %q: %w", raw, ErrInvalidParam)
}

type EngineKind string

const (
	EngineNone        EngineKind = ""
	EngineRateLimited EngineKind = "web"
	EngineHosted      EngineKind = "hosted"
)

func ParseEngineKind(raw string) (EngineKind, error) {
	switch kind := EngineKind(strings.TrimSpace(raw)); kind {
	case EngineNone, EngineRateLimited, EngineHosted:
		return kind, nil
	default:
		return EngineNone, fmt.Errorf("no such engine %q: %w", raw, ErrNotImplemented)
	}
}

func (k EngineKind) Label() string {
	if k == EngineNone {
		return "unassigned"
	}
	return string(k)
}

type EnginePointer struct {
	Level          int
	Engine         EngineKind
	Account        string
	Status         PointerStatus
	Summary        string
	Memo           string
	AIIndex        int
	Title          string
	ConversationID string
	ReplyID        string
	InFlightID     string
	Prompt         string
}

func (p EnginePointer) Assigned() bool {
	return p.Engine != EngineNone
}

func (p *EnginePointer) Unassign() {
	p.Engine = EngineNone
	p.Account = ""
}

// Resolved reports whether the last in-flight message has been recorded.
func (p EnginePointer) Resolved() bool {
	return p.InFlightID == "" || p.InFlightID == p.ReplyID
}

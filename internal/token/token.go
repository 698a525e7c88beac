// Package token counts tokens under the GPT-2 vocabulary. The encoding is
// loaded once on first use; when it cannot be loaded the package falls back
// to a deterministic character heuristic for the life of the process.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "r50k_base"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			encoding = enc
		}
	})
}

// Warm loads the encoding ahead of the first count.
func Warm() bool {
	load()
	return encoding != nil
}

// Len returns the token length of text.
func Len(text string) int {
	load()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is max(runes/4, words), never below one for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

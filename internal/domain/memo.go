package domain

import (
	"sort"
	"strings"

	"github.com/bnema/chatsession/internal/token"
)

const emptyMemo = "```\n<empty>\n```"

// EmptyMemo stands in for a memo when a session breaks before its first
// compression.
func EmptyMemo() string {
	return emptyMemo
}

// FenceMemo normalizes a model reply into a fenced memo block.
func FenceMemo(reply string) string {
	return "```\n" + strings.Trim(reply, "`\n") + "\n```"
}

// MemoCost is the line-by-line token cost PruneMemo works against.
func MemoCost(memo string) int {
	total := 0
	for _, line := range strings.Split(memo, "\n") {
		total += token.Len(line)
	}
	return total
}

// PruneMemo drops the longest bullet lines ("- " prefix) until the memo's
// cost is at or under target. Non-bullet lines are always kept.
func PruneMemo(memo string, target int) string {
	lines := strings.Split(memo, "\n")
	weights := make([]int, len(lines))
	total := 0
	for i, line := range lines {
		cost := token.Len(line)
		total += cost
		if strings.HasPrefix(line, "- ") {
			weights[i] = cost
		}
	}

	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return weights[order[a]] > weights[order[b]]
	})

	removed := make([]bool, len(lines))
	for _, idx := range order {
		if total <= target || weights[idx] == 0 {
			break
		}
		removed[idx] = true
		total -= weights[idx]
	}

	var b strings.Builder
	for i, line := range lines {
		if removed[i] {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

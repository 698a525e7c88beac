package status

import (
	"fmt"
	"math"
	"strings"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

// Report is everything one status frame shows. Accounts is nil when no
// web engine is configured.
type Report struct {
	Sessions []SessionRow
	Accounts []domain.AccountInfo
}

type SessionRow struct {
	ID       string
	Type     string
	Level    int
	Engine   domain.EngineKind
	Account  string
	Status   domain.PointerStatus
	Tokens   int
	MemoCost int
	Messages int
	Queued   bool
	// Unloaded is set when no conversation has been stored yet.
	Unloaded bool
}

// NewSessionRow summarizes a stored session. conv may be nil.
func NewSessionRow(index domain.SessionIndex, conv *domain.Conversation) SessionRow {
	row := SessionRow{
		ID:    index.ID,
		Type:  index.Type,
		Level: index.Level,
	}
	if conv == nil {
		row.Unloaded = true
		return row
	}
	row.Engine = conv.Pointer.Engine
	row.Account = conv.Pointer.Account
	row.Status = conv.Pointer.Status
	row.Tokens = conv.Tokens
	row.MemoCost = domain.MemoCost(conv.Memo)
	row.Messages = len(conv.Messages)
	row.Queued = conv.QueueMessage != nil
	return row
}

func renderView(report Report, s styles) string {
	lines := []string{
		s.title.Render("Chat Sessions"),
		s.header.Render(fmt.Sprintf("sessions: %d", len(report.Sessions))),
	}

	if len(report.Sessions) == 0 {
		lines = append(lines, s.empty.Render("No sessions stored."))
	}
	for _, row := range report.Sessions {
		lines = append(lines, s.section.Render(renderSession(row, s)))
	}

	if report.Accounts != nil {
		lines = append(lines, s.section.Render(renderAccounts(report.Accounts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSession(row SessionRow, s styles) string {
	parts := []string{
		s.session.Render(fmt.Sprintf("%s (%s, level %d)", row.ID, row.Type, row.Level)),
	}
	if row.Unloaded {
		parts = append(parts, s.empty.Render("no conversation yet"))
		return lipgloss.JoinVertical(lipgloss.Left, parts...)
	}

	engine := row.Engine.Label()
	if row.Account != "" {
		engine += " @ " + row.Account
	}
	status := row.Status.String()
	if row.Status == domain.StatusBreak {
		status = s.warning.Render(status)
	}
	parts = append(parts,
		s.detail.Render(fmt.Sprintf("engine: %s  status: %s", engine, status)),
		fullnessLine(row, s),
		s.detail.Render(fmt.Sprintf("messages: %d  memo: %d tokens", row.Messages, row.MemoCost)),
	)
	if row.Queued {
		parts = append(parts, s.warning.Render("[message queued]"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func fullnessLine(row SessionRow, s styles) string {
	full := domain.FullTokens(row.Engine)
	percent := clampPercent(float64(row.Tokens) * 100 / float64(full))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.key.Render("tokens:"),
		" ",
		renderProgressBar(percent, 24, s),
		" ",
		lipgloss.NewStyle().Foreground(interpolateColor(percent, 0, 100)).
			Render(fmt.Sprintf("%d/%d", row.Tokens, full)),
	)
}

func renderAccounts(accounts []domain.AccountInfo, s styles) string {
	lines := []string{s.header.Render(fmt.Sprintf("web accounts: %d", len(accounts)))}
	if len(accounts) == 0 {
		lines = append(lines, s.empty.Render("No account available."))
	}
	for _, a := range accounts {
		lines = append(lines, accountLine(a, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func accountLine(a domain.AccountInfo, s styles) string {
	name := a.ID
	if email := strings.TrimSpace(a.Email); email != "" {
		name = fmt.Sprintf("%s (%s)", email, a.ID)
	}

	var flags []string
	switch {
	case a.IsDisabled:
		flags = append(flags, "disabled")
	case !a.IsLoggedIn:
		flags = append(flags, "logged out")
	}
	if a.IsBusy {
		flags = append(flags, "busy")
	}
	if a.Err != "" {
		flags = append(flags, a.Err)
	}

	line := s.account.Render(name) + " " + s.detail.Render(fmt.Sprintf("load %d", a.Load()))
	if len(flags) > 0 {
		line += " " + s.warning.Render("["+strings.Join(flags, ", ")+"]")
	}
	return line
}

func renderProgressBar(usedPercent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(usedPercent) / 100))
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// interpolateColor walks the 256 color grey ramp from 240 at min to 255
// at max.
func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}
	return lipgloss.Color(fmt.Sprintf("%d", int(240+15*normalized)))
}

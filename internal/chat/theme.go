package chat

import "github.com/charmbracelet/lipgloss"

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorSelf    = lipgloss.Color("#a855f7")
	ColorPeer    = lipgloss.Color("#06b6d4")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(ColorDimmed)
	selfStyle   = lipgloss.NewStyle().Foreground(ColorSelf).Bold(true)
	peerStyle   = lipgloss.NewStyle().Foreground(ColorPeer).Bold(true)
	textStyle   = lipgloss.NewStyle().Foreground(ColorBright)
	errorStyle  = lipgloss.NewStyle().Foreground(ColorDanger)
	borderStyle = lipgloss.NewStyle().Foreground(ColorBorder)
)

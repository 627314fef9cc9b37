package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/prefetch"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#9CA3AF")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6B7280")).
			Padding(0, 1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted).Width(10)
	cachedStyle  = lipgloss.NewStyle().Foreground(colorSuccess)
	cachingStyle = lipgloss.NewStyle().Foreground(colorWarning)
	failedStyle  = lipgloss.NewStyle().Foreground(colorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	currentStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// renderStatus draws the cache state and the items from..to.
func renderStatus(s prefetch.Status, items []collection.Item, from, to int) string {
	dir := "forward"
	if !s.Forward {
		dir = "backward"
	}
	target := "empty"
	if s.TargetLast >= s.TargetFirst {
		target = fmt.Sprintf("[%d, %d]", s.TargetFirst, s.TargetLast)
	}
	state := cachedStyle.Render("settled")
	switch {
	case s.Active:
		state = cachingStyle.Render("working")
	case !s.Complete:
		state = failedStyle.Render("incomplete")
	}

	position := fmt.Sprintf("%d of %d, %s", s.Position, len(items), dir)
	if s.Reversal != 0 {
		position += mutedStyle.Render(fmt.Sprintf(" (%+d against)", s.Reversal))
	}

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	lines := []string{
		titleStyle.Render(progName),
		row("position", position),
		row("target", target),
		row("memory", fmt.Sprintf("%s %.1f / %.1f MB", usageBar(s.UsageMB, s.BudgetMB, 20), s.UsageMB, s.BudgetMB)),
		row("images", fmt.Sprintf("%d cached, %d pending, %d decoding", s.Cached, s.Pending, s.Busy)),
		row("state", fmt.Sprintf("%s, epoch %d, retries %d", state, s.Epoch, s.Retries)),
	}
	if len(s.Decoders) > 0 {
		lines = append(lines, row("decoders", renderDecoders(s.Decoders)))
	}
	if from < to {
		lines = append(lines, "", renderItems(items, s.Position, from, to))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// renderDecoders shows what each decoder works on, or how its last
// decode ended.
func renderDecoders(slots []decode.Slot) string {
	var b strings.Builder
	for _, sl := range slots {
		var state string
		switch {
		case sl.Status == decode.Busy:
			state = cachingStyle.Render(filepath.Base(sl.Key))
		case sl.Last.Failure():
			state = failedStyle.Render(sl.Last.String())
		case sl.Last.Terminal():
			state = mutedStyle.Render(sl.Last.String())
		default:
			state = mutedStyle.Render("idle")
		}
		fmt.Fprintf(&b, "%d %s\n", sl.ID, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func usageBar(used, total float64, width int) string {
	n := 0
	if total > 0 {
		n = min(width, int(float64(width)*used/total+0.5))
	}
	return cachedStyle.Render(strings.Repeat("█", n)) + mutedStyle.Render(strings.Repeat("░", width-n))
}

// renderItems lists items from..to with a marker of their cache state.
func renderItems(items []collection.Item, current, from, to int) string {
	var b strings.Builder
	for i := from; i < to && i < len(items); i++ {
		it := items[i]
		name := fmt.Sprintf("%4d %s", i, filepath.Base(it.Path))
		if i == current {
			name = currentStyle.Render(name)
		}
		fmt.Fprintf(&b, "%s %s\n", marker(it), name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func marker(it collection.Item) string {
	switch {
	case it.Video && it.Cached:
		return cachedStyle.Render("▶")
	case it.Video:
		return mutedStyle.Render("▷")
	case it.Cached:
		return cachedStyle.Render("●")
	case it.Caching:
		return cachingStyle.Render(fmt.Sprintf("%d", it.DecoderID%10))
	case it.Status.Failure():
		return failedStyle.Render("✗")
	case it.Status == decode.Aborted:
		return mutedStyle.Render("-")
	default:
		return mutedStyle.Render("·")
	}
}

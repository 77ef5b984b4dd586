package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

func renderView(snap Snapshot, showExpired bool) string {
	var b strings.Builder

	// Header
	active := 0
	for _, c := range snap.Campaigns {
		if c.Status == "active" {
			active++
		}
	}
	conn := "online"
	if !snap.Connected {
		conn = "offline"
	}
	header := fmt.Sprintf("drops-miner │ %s │ %s │ %d active campaigns │ events %s",
		snap.Login, snap.State, active, conn)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	// Current watch session
	b.WriteString(sectionStyle.Render("▶ Watching"))
	b.WriteString("\n")
	b.WriteString(renderWatching(snap.Watching))

	// Campaigns
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf("◆ Campaigns (%d)", len(snap.Campaigns))))
	b.WriteString("\n")
	b.WriteString(renderCampaigns(snap.Campaigns, showExpired))

	// Recent claims
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf("★ Claimed (%d)", len(snap.Claimed))))
	b.WriteString("\n")
	b.WriteString(renderClaimed(snap.Claimed))

	// Footer
	b.WriteString("\n")
	footer := fmt.Sprintf("Last updated: %s │ q:quit r:refresh e:expired",
		snap.Timestamp.Format("15:04:05"))
	b.WriteString(footerStyle.Render(footer))

	return b.String()
}

func renderWatching(w *WatchState) string {
	if w == nil {
		return emptyStyle.Render("  (no channel selected)")
	}

	var b strings.Builder
	line := fmt.Sprintf("  %s playing %s │ up %s", w.Channel, w.Game, formatDuration(w.Elapsed))
	b.WriteString(watchStyle.Render(line))
	b.WriteString("\n")
	if w.RequiredMinutes > 0 {
		drop := w.Drop
		if runewidth.StringWidth(drop) > 40 {
			drop = runewidth.Truncate(drop, 37, "...")
		}
		b.WriteString(fmt.Sprintf("  %s %s %d/%d min",
			drop, progressBar(w.ProgressMinutes, w.RequiredMinutes, 24),
			w.ProgressMinutes, w.RequiredMinutes))
		b.WriteString("\n")
	}
	return b.String()
}

func renderCampaigns(campaigns []CampaignState, showExpired bool) string {
	if len(campaigns) == 0 {
		return emptyStyle.Render("  (no campaigns)")
	}

	var b strings.Builder
	shown := 0
	for _, c := range campaigns {
		if c.Status == "expired" && !showExpired {
			continue
		}
		shown++

		name := c.Name
		if runewidth.StringWidth(name) > 46 {
			name = runewidth.Truncate(name, 43, "...")
		}
		linked := ""
		if !c.AccountLinked {
			linked = " (account not linked)"
		}
		remaining := ""
		if c.Status == "active" && c.RemainingMinutes > 0 {
			remaining = fmt.Sprintf(" │ %s left", formatMinutes(c.RemainingMinutes))
		}
		line := fmt.Sprintf("  %s %s │ %s │ %d/%d drops%s%s",
			statusIcon(c.Status), name, c.Game, c.DropsClaimed, c.DropsTotal, remaining, linked)
		b.WriteString(lipgloss.NewStyle().Foreground(statusColor(c.Status)).Render(line))
		b.WriteString("\n")
	}
	if shown == 0 {
		return emptyStyle.Render("  (only expired campaigns; press e)")
	}
	return b.String()
}

func renderClaimed(claimed []ClaimedDrop) string {
	if len(claimed) == 0 {
		return emptyStyle.Render("  (nothing claimed yet)")
	}

	var b strings.Builder
	// Newest first.
	for i := len(claimed) - 1; i >= 0; i-- {
		c := claimed[i]
		line := fmt.Sprintf("  • %s (%s) at %s", c.Name, c.Game, c.At.Format("15:04"))
		b.WriteString(claimedStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func progressBar(current, total, width int) string {
	if total <= 0 {
		total = 1
	}
	if current > total {
		current = total
	}
	filled := current * width / total
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", m/60, m%60)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

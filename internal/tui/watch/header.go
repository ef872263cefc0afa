package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/leangate/internal/pool"
)

// HealthState tracks connectivity to the gateway.
type HealthState struct {
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, snap pool.Snapshot, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.OK.Render("RUNNING")
	statusIcon := "✅"
	switch {
	case !health.Connected:
		statusText = theme.Bad.Render("CONNECTING")
		statusIcon = "🔌"
	case snap.Closed:
		statusText = theme.Off.Render("SHUT DOWN")
		statusIcon = "⏹"
	case snap.Waiting > 0 && snap.Total >= snap.Capacity:
		statusText = theme.Warn.Render("SATURATED")
		statusIcon = "⚠️"
	}

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		ago := time.Since(activity.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	now := time.Now()
	beat := heartbeat(health.LastCheck, now, theme)
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" LEANGATE POOL %s", beat)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := max(1, innerWidth-titleWidth-clockWidth-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  %s  Busy: %d  Idle: %d  Spawning: %d  Waiting: %d",
		statusIcon, statusText,
		renderGauge(snap.Total, snap.Capacity, theme),
		snap.Busy, snap.Idle, snap.Spawning, snap.Waiting,
	)

	st := snap.Stats
	countersLine := theme.Dim.Render(fmt.Sprintf(" spawned %d  failed %d  retired %d  crashed %d  evicted %d  exhausted %d",
		st.Spawned, st.SpawnFailures, st.Retired, st.Crashed, st.Evicted, st.Exhausted))

	activityLine := fmt.Sprintf(" Events: %s %d in %ds  last %s",
		activity.Sparkline(theme), activity.Total(), activityBuckets, lastEventStr)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		countersLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

// renderGauge draws live workers against capacity, e.g. ■■■□ 3/4.
func renderGauge(live, capacity int, theme Theme) string {
	if capacity <= 0 {
		return theme.Dim.Render("-/-")
	}
	filled := min(live, capacity)
	bar := theme.GaugeFill.Render(strings.Repeat("■", filled)) +
		theme.GaugeEmpty.Render(strings.Repeat("□", capacity-filled))
	return fmt.Sprintf("%s %d/%d", bar, live, capacity)
}

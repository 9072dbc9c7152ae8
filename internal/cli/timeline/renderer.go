// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timeline provides ASCII timeline rendering for run trajectories.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/relayhq/orchestrator/pkg/trajectory"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates a chapter that ended without an error event
	StatusIconOK = "✓"
	// StatusIconError indicates a chapter that recorded an error event
	StatusIconError = "✗"
)

// chapterBar is a chapter positioned on the timeline.
type chapterBar struct {
	Title     string
	Agent     string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Failed    bool
}

// Renderer renders ASCII timelines from a trajectory's chapters.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a new timeline renderer with terminal width detection.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(0)
	if err != nil {
		width = 100
	}

	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	barWidth := width - 50
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{Width: width, BarWidth: barWidth}, nil
}

// Render generates an ASCII timeline from a trajectory.
func (r *Renderer) Render(traj *trajectory.Trajectory) (string, error) {
	bars := r.prepareBars(traj)
	if len(bars) == 0 {
		return "", fmt.Errorf("no chapters to render")
	}

	minTime, maxTime := r.calculateBounds(bars)
	totalDuration := maxTime.Sub(minTime)
	if totalDuration <= 0 {
		totalDuration = time.Millisecond
	}

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")
	sb.WriteString(fmt.Sprintf("│ Run: %-*s Total: %s  │\n",
		r.Width-24, truncate(traj.ID, r.Width-24), formatDuration(totalDuration)))
	sb.WriteString("├" + border + "┤\n")

	for _, bar := range bars {
		sb.WriteString(r.renderBar(bar, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")
	return sb.String(), nil
}

func (r *Renderer) prepareBars(traj *trajectory.Trajectory) []chapterBar {
	bars := make([]chapterBar, 0, len(traj.Chapters))
	for _, ch := range traj.Chapters {
		end := ch.EndedAt
		if end == nil {
			now := time.Now()
			end = &now
		}
		failed := false
		for _, ev := range ch.Events {
			if ev.Type == trajectory.EventStepFailed {
				failed = true
				break
			}
		}
		bars = append(bars, chapterBar{
			Title:     ch.Title,
			Agent:     ch.AgentName,
			StartTime: ch.StartedAt,
			EndTime:   *end,
			Duration:  end.Sub(ch.StartedAt),
			Failed:    failed,
		})
	}
	return bars
}

func (r *Renderer) calculateBounds(bars []chapterBar) (time.Time, time.Time) {
	minTime, maxTime := bars[0].StartTime, bars[0].EndTime
	for _, b := range bars {
		if b.StartTime.Before(minTime) {
			minTime = b.StartTime
		}
		if b.EndTime.After(maxTime) {
			maxTime = b.EndTime
		}
	}
	return minTime, maxTime
}

func (r *Renderer) renderBar(bar chapterBar, minTime time.Time, totalDuration time.Duration) string {
	startOffset := bar.StartTime.Sub(minTime)
	startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
	barLength := int(float64(bar.Duration) / float64(totalDuration) * float64(r.BarWidth))

	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	cells := make([]rune, r.BarWidth)
	for i := 0; i < r.BarWidth; i++ {
		if i >= startPos && i < startPos+barLength {
			cells[i] = '█'
		} else {
			cells[i] = '░'
		}
	}

	statusIcon := StatusIconOK
	if bar.Failed {
		statusIcon = StatusIconError
	}

	name := truncate(fmt.Sprintf("%s (%s)", bar.Title, bar.Agent), 24)

	return fmt.Sprintf("│ %-24s %s  %6s  %s │\n",
		name, string(cells), formatDuration(bar.Duration), statusIcon)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

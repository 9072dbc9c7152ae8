// Package format provides CLI output formatting with TTY detection.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const maxReportSize = 2 * 1024 * 1024 // 2MB

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleHeading = lipgloss.NewStyle().Bold(true).Underline(true)
)

// FormatJSON pretty-prints JSON with 2-space indentation.
func FormatJSON(content string) (string, error) {
	if len(content) > maxReportSize {
		return "", fmt.Errorf("output size (%d bytes) exceeds maximum (%d bytes)", len(content), maxReportSize)
	}
	var obj interface{}
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	formatted, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	return string(formatted), nil
}

// StepLine renders a single "name: status" line, styled when isTTY is true.
func StepLine(name, status string, isTTY bool, retries int) string {
	label := status
	if retries > 0 {
		label = fmt.Sprintf("%s (retried %d)", status, retries)
	}
	if !isTTY {
		return fmt.Sprintf("  %s: %s", name, label)
	}
	switch status {
	case "completed":
		return fmt.Sprintf("  %s: %s", name, styleOK.Render(label))
	case "failed":
		return fmt.Sprintf("  %s: %s", name, styleFailed.Render(strings.ToUpper(label)))
	case "skipped":
		return fmt.Sprintf("  %s: %s", name, styleSkipped.Render(label))
	default:
		return fmt.Sprintf("  %s: %s", name, label)
	}
}

// Heading styles a section heading, e.g. "Completion report".
func Heading(text string, isTTY bool) string {
	if !isTTY {
		return text
	}
	return styleHeading.Render(text)
}

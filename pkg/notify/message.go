package notify

import (
	"fmt"
	"strings"

	"github.com/opsforge/foreman/pkg/events"
)

const (
	maxSummaryLength = 300
	maxPromptLength  = 200
	maxCommitsShown  = 5
)

// Callback data prefixes for inline buttons; the chat frontend routes
// presses back to the task API by these.
const (
	CallbackLog   = "tasklog:"
	CallbackRetry = "taskretry:"
	CallbackStop  = "taskstop:"
)

// BuildStartedMessage formats the admission notification.
func BuildStartedMessage(ev events.TaskStarted) (string, [][]Button) {
	text := fmt.Sprintf("🚀 Task %s started\nProject: %s\nPrompt: %s",
		ev.TaskID, ev.ProjectPath, truncateText(ev.Prompt, maxPromptLength))
	buttons := [][]Button{{
		{Text: "Stop", CallbackData: CallbackStop + ev.TaskID},
	}}
	return text, buttons
}

// BuildProgressMessage formats a heartbeat tick.
func BuildProgressMessage(ev events.TaskProgress) string {
	return fmt.Sprintf("⏳ Task %s: %s (%s elapsed, $%.2f)",
		ev.TaskID, ev.Stage, formatDuration(ev.ElapsedSeconds), ev.Cost)
}

// BuildCompletedMessage formats the success notification with the commit list.
func BuildCompletedMessage(ev events.TaskCompleted) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Task %s completed in %s ($%.2f)",
		ev.TaskID, formatDuration(ev.DurationSeconds), ev.Cost)
	if ev.ResultSummary != "" {
		fmt.Fprintf(&b, "\n\n%s", truncateText(ev.ResultSummary, maxSummaryLength))
	}
	if len(ev.Commits) > 0 {
		b.WriteString("\n\nCommits:")
		for i, c := range ev.Commits {
			if i == maxCommitsShown {
				fmt.Fprintf(&b, "\n… and %d more", len(ev.Commits)-maxCommitsShown)
				break
			}
			fmt.Fprintf(&b, "\n• %s %s", c.SHA, c.Message)
		}
	}
	return b.String()
}

// BuildFailedMessage formats the failure notification.
func BuildFailedMessage(ev events.TaskFailed) (string, [][]Button) {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ Task %s failed after %s ($%.2f)\nError: %s",
		ev.TaskID, formatDuration(ev.DurationSeconds), ev.Cost,
		truncateText(ev.ErrorMessage, maxSummaryLength))
	if ev.LastOutput != "" {
		fmt.Fprintf(&b, "\n\nLast output:\n%s", truncateText(ev.LastOutput, maxSummaryLength))
	}
	buttons := [][]Button{{
		{Text: "Logs", CallbackData: CallbackLog + ev.TaskID},
		{Text: "Retry", CallbackData: CallbackRetry + ev.TaskID},
	}}
	return b.String(), buttons
}

// BuildTimeoutMessage formats the stalled-task notification.
func BuildTimeoutMessage(ev events.TaskTimeout) (string, [][]Button) {
	text := fmt.Sprintf("⚠️ Task %s looks stalled: no activity for %s (running %s, $%.2f)",
		ev.TaskID, formatDuration(ev.IdleSeconds), formatDuration(ev.DurationSeconds), ev.Cost)
	buttons := [][]Button{{
		{Text: "Retry", CallbackData: CallbackRetry + ev.TaskID},
		{Text: "Stop", CallbackData: CallbackStop + ev.TaskID},
	}}
	return text, buttons
}

func formatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}

func truncateText(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

package notify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsforge/foreman/pkg/events"
	"github.com/opsforge/foreman/pkg/models"
)

func baseEvent(taskID string, cost float64) events.Base {
	return events.NewBase(taskID, cost, -100500, nil)
}

func TestBuildStartedMessage(t *testing.T) {
	text, buttons := BuildStartedMessage(events.TaskStarted{
		Base:        baseEvent("abcd0123", 0),
		ProjectPath: "/srv/app",
		Prompt:      "fix the flaky test",
	})
	assert.Contains(t, text, "abcd0123")
	assert.Contains(t, text, "/srv/app")
	assert.Contains(t, text, "fix the flaky test")
	assert.Equal(t, [][]Button{{{Text: "Stop", CallbackData: "taskstop:abcd0123"}}}, buttons)
}

func TestBuildStartedMessageTruncatesPrompt(t *testing.T) {
	text, _ := BuildStartedMessage(events.TaskStarted{
		Base:   baseEvent("abcd0123", 0),
		Prompt: strings.Repeat("x", 500),
	})
	assert.Contains(t, text, strings.Repeat("x", maxPromptLength)+"…")
	assert.NotContains(t, text, strings.Repeat("x", maxPromptLength+1))
}

func TestBuildProgressMessage(t *testing.T) {
	text := BuildProgressMessage(events.TaskProgress{
		Base:           baseEvent("abcd0123", 1.25),
		ElapsedSeconds: 312,
		Stage:          "running tests",
	})
	assert.Contains(t, text, "running tests")
	assert.Contains(t, text, "5m 12s")
	assert.Contains(t, text, "$1.25")
}

func TestBuildCompletedMessageListsCommits(t *testing.T) {
	commits := make([]models.Commit, 7)
	for i := range commits {
		commits[i] = models.Commit{SHA: "abc0000", Message: "change"}
	}
	text := BuildCompletedMessage(events.TaskCompleted{
		Base:            baseEvent("abcd0123", 0.42),
		DurationSeconds: 61,
		Commits:         commits,
		ResultSummary:   "All green.",
	})
	assert.Contains(t, text, "✅")
	assert.Contains(t, text, "All green.")
	assert.Contains(t, text, "1m 1s")
	assert.Equal(t, maxCommitsShown, strings.Count(text, "• abc0000"))
	assert.Contains(t, text, "and 2 more")
}

func TestBuildCompletedMessageWithoutCommits(t *testing.T) {
	text := BuildCompletedMessage(events.TaskCompleted{
		Base:            baseEvent("abcd0123", 0.42),
		DurationSeconds: 5,
	})
	assert.NotContains(t, text, "Commits:")
}

func TestBuildFailedMessage(t *testing.T) {
	text, buttons := BuildFailedMessage(events.TaskFailed{
		Base:            baseEvent("abcd0123", 2.0),
		DurationSeconds: 30,
		ErrorMessage:    "connection refused",
		LastOutput:      "dialing api...",
	})
	assert.Contains(t, text, "connection refused")
	assert.Contains(t, text, "dialing api...")
	assert.Equal(t, [][]Button{{
		{Text: "Logs", CallbackData: "tasklog:abcd0123"},
		{Text: "Retry", CallbackData: "taskretry:abcd0123"},
	}}, buttons)
}

func TestBuildTimeoutMessage(t *testing.T) {
	text, buttons := BuildTimeoutMessage(events.TaskTimeout{
		Base:            baseEvent("abcd0123", 0.5),
		DurationSeconds: 600,
		IdleSeconds:     330,
	})
	assert.Contains(t, text, "5m 30s")
	assert.Contains(t, text, "10m 0s")
	assert.Equal(t, [][]Button{{
		{Text: "Retry", CallbackData: "taskretry:abcd0123"},
		{Text: "Stop", CallbackData: "taskstop:abcd0123"},
	}}, buttons)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(0))
	assert.Equal(t, "59s", formatDuration(59))
	assert.Equal(t, "1m 0s", formatDuration(60))
	assert.Equal(t, "25m 3s", formatDuration(1503))
}

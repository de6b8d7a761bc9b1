package tasks

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/opsforge/foreman/pkg/models"
)

// commitMarker tags commits produced by the agent so a task report only lists
// the commits it actually made.
const commitMarker = "[claude]"

// CollectCommits returns the agent-authored commits made in projectPath since
// the given time, newest first. Any git failure (not a repository, git
// missing, etc.) yields an empty list; commit collection is best-effort and
// never fails a task.
func CollectCommits(ctx context.Context, projectPath string, since time.Time) []models.Commit {
	cmd := exec.CommandContext(ctx, "git", "log",
		"--since="+since.UTC().Format(time.RFC3339),
		"--grep="+commitMarker, "--fixed-strings",
		"--oneline")
	cmd.Dir = projectPath

	out, err := cmd.Output()
	if err != nil {
		slog.Debug("Commit collection skipped", "project", projectPath, "error", err)
		return nil
	}

	var commits []models.Commit
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sha, message, found := strings.Cut(line, " ")
		if !found {
			sha, message = line, ""
		}
		commits = append(commits, models.Commit{SHA: sha, Message: message})
	}
	return commits
}

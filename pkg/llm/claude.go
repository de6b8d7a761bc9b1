package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultBinary      = "claude"
	healthcheckTimeout = 10 * time.Second
	maxStreamLineBytes = 10 * 1024 * 1024
)

// ClaudeProvider runs the Claude Code CLI in streaming JSON mode and parses
// its NDJSON output into stream events.
type ClaudeProvider struct {
	binary       string
	defaultModel string
	logger       *slog.Logger
}

func NewClaudeProvider(defaultModel string) *ClaudeProvider {
	return &ClaudeProvider{
		binary:       defaultBinary,
		defaultModel: defaultModel,
		logger:       slog.Default().With("component", "llm.claude"),
	}
}

// streamLine is one NDJSON record from the CLI.
type streamLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	CostUSD float64 `json:"cost_usd"`

	// result record fields
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	SessionID    string  `json:"session_id"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

func (p *ClaudeProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.SessionID != "" && !req.ForceNew {
		args = append(args, "--resume", req.SessionID)
	}
	if model := p.model(req); model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = req.WorkingDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return errorResponse(fmt.Sprintf("failed to start %s: %v", p.binary, err)), nil
	}

	var (
		resp      *Response
		cbErr     error
		parseErrs int
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec streamLine
		if err := json.Unmarshal(line, &rec); err != nil {
			parseErrs++
			p.logger.Debug("Skipping malformed stream line", "error", err)
			continue
		}
		switch rec.Type {
		case "assistant":
			if cbErr != nil || req.OnStream == nil {
				continue
			}
			if err := req.OnStream(ctx, assistantEvent(rec)); err != nil {
				cbErr = err
				_ = cmd.Process.Kill()
			}
		case "result":
			resp = &Response{
				Content:      rec.Result,
				SessionID:    rec.SessionID,
				Cost:         rec.TotalCostUSD,
				DurationMS:   rec.DurationMS,
				NumTurns:     rec.NumTurns,
				IsError:      rec.IsError,
				ErrorMessage: errorMessageFor(rec),
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if cbErr != nil {
		return nil, cbErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return errorResponse(fmt.Sprintf("failed to read agent output: %v", scanErr)), nil
	}
	if resp == nil {
		msg := "agent produced no result"
		if waitErr != nil {
			msg = fmt.Sprintf("agent exited: %v", waitErr)
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, truncate(s, 500))
		}
		return errorResponse(msg), nil
	}
	if parseErrs > 0 {
		p.logger.Warn("Agent stream contained malformed lines", "count", parseErrs)
	}
	return resp, nil
}

func (p *ClaudeProvider) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, p.binary, "--version").Run(); err != nil {
		return fmt.Errorf("claude CLI unavailable: %w", err)
	}
	return nil
}

func (p *ClaudeProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func assistantEvent(rec streamLine) StreamEvent {
	ev := StreamEvent{Cost: rec.CostUSD}
	var text []string
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			if ev.ToolName == "" {
				ev.ToolName = block.Name
			}
		}
	}
	ev.Content = strings.Join(text, "\n")
	return ev
}

func errorMessageFor(rec streamLine) string {
	if !rec.IsError {
		return ""
	}
	if rec.Result != "" {
		return rec.Result
	}
	return "agent reported an error"
}

func errorResponse(msg string) *Response {
	return &Response{IsError: true, ErrorMessage: msg}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

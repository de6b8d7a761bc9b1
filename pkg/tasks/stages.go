package tasks

import (
	"fmt"
	"regexp"

	"github.com/opsforge/foreman/pkg/config"
)

const defaultStage = "working"

type stageRule struct {
	re    *regexp.Regexp
	label string
}

// StageClassifier maps raw agent output to a short human-readable activity
// label for progress notifications.
type StageClassifier struct {
	rules []stageRule
}

// NewStageClassifier compiles the configured patterns. Matching is
// case-insensitive; rules apply in order and the first match wins.
func NewStageClassifier(rules []config.StageRule) (*StageClassifier, error) {
	c := &StageClassifier{}
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid stage pattern %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, stageRule{re: re, label: r.Label})
	}
	return c, nil
}

// Classify returns the label of the first matching rule, or "working" when
// nothing matches or output is empty.
func (c *StageClassifier) Classify(output string) string {
	if output == "" {
		return defaultStage
	}
	for _, r := range c.rules {
		if r.re.MatchString(output) {
			return r.label
		}
	}
	return defaultStage
}
